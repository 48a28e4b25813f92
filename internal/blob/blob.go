// Package blob selects the artifact store used for rendered reports.
package blob

import (
	"context"
	"fmt"
	"os"

	"lobkit/internal/blob/core"
	"lobkit/internal/config"
	"lobkit/internal/infra/blob/fs"
	"lobkit/internal/infra/blob/memory"
	"lobkit/internal/infra/blob/s3"
)

type (
	Store            = core.Store
	Info             = core.Info
	Driver           = core.Driver
	PutOptions       = core.PutOptions
	SignedURLOptions = core.SignedURLOptions
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrUnsupported = core.ErrUnsupported
	ErrExists      = core.ErrExists
	ErrNotFound    = core.ErrNotFound
)

// Open constructs the store named by cfg.Driver. S3 static credentials are
// taken from the standard AWS_* environment when present.
func Open(ctx context.Context, cfg config.Blob) (Store, error) {
	switch Driver(cfg.Driver) {
	case DriverFilesystem, "":
		return fs.New(cfg.FSRoot)
	case DriverMemory:
		return memory.New(), nil
	case DriverS3:
		return s3.New(ctx, s3.Config{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Endpoint:        cfg.S3.Endpoint,
			PathStyle:       cfg.S3.PathStyle,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		})
	default:
		return nil, fmt.Errorf("unsupported blob driver %q", cfg.Driver)
	}
}

// NewMemory returns an empty in-process store.
func NewMemory() Store { return memory.New() }
