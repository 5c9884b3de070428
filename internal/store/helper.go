package store

import (
	"context"
	"fmt"

	"github.com/kong/pg-aurora-bench/pkg/model"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SetupTestDatabase starts a disposable postgres container, applies the
// schema and returns an endpoint pointing at it.
func SetupTestDatabase() (testcontainers.Container, model.Endpoint, error) {
	containerReq := testcontainers.ContainerRequest{
		Image:        "postgres:latest",
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp"),
		Env: map[string]string{
			"POSTGRES_DB":       "koko",
			"POSTGRES_PASSWORD": "koko",
			"POSTGRES_USER":     "koko",
		},
	}
	dbContainer, err := testcontainers.GenericContainer(
		context.Background(),
		testcontainers.GenericContainerRequest{
			ContainerRequest: containerReq,
			Started:          true,
		})
	if err != nil {
		return nil, model.Endpoint{}, err
	}
	port, err := dbContainer.MappedPort(context.Background(), "5432")
	if err != nil {
		return dbContainer, model.Endpoint{}, err
	}
	host, err := dbContainer.Host(context.Background())
	if err != nil {
		return dbContainer, model.Endpoint{}, err
	}

	ep := model.Endpoint{
		Name:     "primary",
		Role:     model.RolePrimary,
		Host:     host,
		Port:     port.Port(),
		Database: "koko",
		User:     "koko",
		Password: "koko",
	}
	if err := MigrateDb(ep.DSN()); err != nil {
		return dbContainer, model.Endpoint{}, err
	}
	return dbContainer, ep, nil
}

var Logger *zap.Logger

// SetupLogging configure parent logger with logLevel.
func SetupLogging(logLevel string) (*zap.Logger, error) {
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	zapConfig.Level.SetLevel(level)
	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	Logger = logger
	return logger, nil
}
