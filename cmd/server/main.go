package main

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"github.com/example/courtside/internal/config"
	"github.com/example/courtside/internal/database"
	"github.com/example/courtside/internal/routes"
)

func main() {
	cfg := config.Load()
	db := database.Connect(cfg.DatabaseURL)

	appLog := logrus.New()
	appLog.SetFormatter(&logrus.JSONFormatter{})

	app := fiber.New(fiber.Config{
		AppName: "Courtside Payments",
	})

	app.Use(recover.New())
	app.Use(logger.New())

	routes.Register(app, db, cfg, appLog)

	log.Printf("Starting server on :%s", cfg.AppPort)
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		log.Fatalf("fiber.Listen error: %v", err)
	}
}
