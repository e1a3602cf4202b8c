package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/wykra-io/wykra-api-sub001/internal/chat"
	"github.com/wykra-io/wykra-api-sub001/internal/models"
	"github.com/wykra-io/wykra-api-sub001/internal/task"
)

// Connect opens the MySQL connection and migrates the schema. Fatal on
// failure; the process is useless without its store.
func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}

	if err := gdb.AutoMigrate(
		&models.User{},
		&task.Task{},
		&chat.Session{},
		&chat.Message{},
		&chat.ChatTask{},
	); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	return gdb
}
