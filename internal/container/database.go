package container

import (
	"context"
	"fmt"

	"github.com/nbot-io/nbot/pkg/models"
)

// databaseImage describes how one database type is provisioned: the
// image, the fixed internal port, and where the image keeps its data.
type databaseImage struct {
	Image   string
	Port    int
	DataDir string
}

var databaseImages = map[string]databaseImage{
	"postgres": {Image: "postgres:16-alpine", Port: 5432, DataDir: "/var/lib/postgresql/data"},
	"mysql":    {Image: "mysql:8", Port: 3306, DataDir: "/var/lib/mysql"},
	"redis":    {Image: "redis:7-alpine", Port: 6379, DataDir: "/data"},
}

// SupportedDatabase reports whether the type can be provisioned.
func SupportedDatabase(dbType string) bool {
	_, ok := databaseImages[dbType]
	return ok
}

// DatabasePort returns the fixed internal port of a database type.
func DatabasePort(dbType string) int {
	return databaseImages[dbType].Port
}

// DatabaseContainerName derives the container name for a database
// instance.
func DatabaseContainerName(id string) string {
	return "nbot-db-" + id
}

// DatabaseVolumeName derives the data volume name for a database
// instance.
func DatabaseVolumeName(id string) string {
	return "nbot-db-" + id + "-data"
}

// CreateDatabase provisions and starts a data-service container,
// publishing the type's fixed internal port on db.HostPort. The data
// directory lives on a named volume so the instance survives container
// replacement.
func (c *Client) CreateDatabase(ctx context.Context, db models.DatabaseInstance) (string, error) {
	spec, ok := databaseImages[db.Type]
	if !ok {
		return "", fmt.Errorf("unsupported database type %q", db.Type)
	}
	if _, err := c.EnsureVolume(ctx, DatabaseVolumeName(db.ID)); err != nil {
		return "", err
	}

	env := map[string]string{}
	switch db.Type {
	case "postgres":
		env["POSTGRES_USER"] = db.Username
		env["POSTGRES_PASSWORD"] = db.Password
		env["POSTGRES_DB"] = db.Database
	case "mysql":
		env["MYSQL_ROOT_PASSWORD"] = db.Password
		if db.Database != "" {
			env["MYSQL_DATABASE"] = db.Database
		}
	}

	return c.Run(ctx, RunSpec{
		Name:  DatabaseContainerName(db.ID),
		Image: spec.Image,
		Kind:  KindDatabase,
		BotID: db.ID,
		Env:   env,
		Ports: []PortMap{{Host: db.HostPort, Container: spec.Port}},
		Mounts: []Mount{
			{Volume: DatabaseVolumeName(db.ID), Path: spec.DataDir},
		},
	})
}

// StartDatabase starts a database instance's container.
func (c *Client) StartDatabase(ctx context.Context, id string) error {
	_, err := c.run(ctx, "start", DatabaseContainerName(id))
	return err
}

// StopDatabase stops a database instance's container.
func (c *Client) StopDatabase(ctx context.Context, id string) error {
	_, err := c.run(ctx, "stop", DatabaseContainerName(id))
	return err
}

// RemoveDatabase force-removes a database instance's container. The
// data volume is removed separately so deletion stays explicit.
func (c *Client) RemoveDatabase(ctx context.Context, id string) error {
	_, err := c.run(ctx, "rm", "-f", DatabaseContainerName(id))
	return err
}
