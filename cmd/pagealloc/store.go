package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hupe1980/pagealloc/dumpstore"
	miniodump "github.com/hupe1980/pagealloc/dumpstore/minio"
	"github.com/spf13/cobra"
)

// Credential variables for --dump-endpoint.
const (
	envAccessKey = "PAGEALLOC_S3_ACCESS_KEY"
	envSecretKey = "PAGEALLOC_S3_SECRET_KEY"
)

// storeFlags select where dumps are written and read. Without an endpoint
// dumps are plain files.
type storeFlags struct {
	endpoint string
	bucket   string
	prefix   string
	insecure bool
}

func (s *storeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.endpoint, "dump-endpoint", "", "S3-compatible endpoint for dumps (credentials from "+envAccessKey+"/"+envSecretKey+")")
	cmd.Flags().StringVar(&s.bucket, "dump-bucket", "pagealloc", "Bucket for dumps")
	cmd.Flags().StringVar(&s.prefix, "dump-prefix", "", "Key prefix for dumps")
	cmd.Flags().BoolVar(&s.insecure, "dump-insecure", false, "Use plain HTTP for the dump endpoint")
}

// open returns the store holding path and the dump's name within it.
func (s *storeFlags) open(path string) (dumpstore.Store, string, error) {
	if s.endpoint == "" {
		return dumpstore.NewLocalStore(filepath.Dir(path)), filepath.Base(path), nil
	}

	accessKey, secretKey := os.Getenv(envAccessKey), os.Getenv(envSecretKey)
	if accessKey == "" || secretKey == "" {
		return nil, "", fmt.Errorf("--dump-endpoint needs %s and %s", envAccessKey, envSecretKey)
	}
	client, err := miniodump.Dial(s.endpoint, accessKey, secretKey, !s.insecure)
	if err != nil {
		return nil, "", fmt.Errorf("failed to connect to %s: %w", s.endpoint, err)
	}
	return miniodump.NewStore(client, s.bucket, s.prefix), path, nil
}

func loadDump(ctx context.Context, s *storeFlags, path string) ([]byte, error) {
	store, name, err := s.open(path)
	if err != nil {
		return nil, err
	}
	data, err := store.Get(ctx, name)
	if errors.Is(err, dumpstore.ErrNotFound) {
		return nil, fmt.Errorf("dump %s not found", path)
	}
	return data, err
}

var dumpsStore storeFlags

func init() {
	cmd := newDumpsCmd()
	dumpsStore.register(cmd)
	rootCmd.AddCommand(cmd)
}

func newDumpsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dumps <dir-or-prefix>",
		Short: "List stored crash dumps",
		Long: `The dumps command lists the crash dumps in a directory, or under a key
prefix when --dump-endpoint is set.

Example:
  pagealloc dumps /var/crash/
  pagealloc dumps nightly/ --dump-endpoint s3.example.com --dump-bucket crash`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDumps(cmd.Context(), &dumpsStore, args[0])
		},
	}
}

func runDumps(ctx context.Context, s *storeFlags, where string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		store  dumpstore.Store
		prefix string
		err    error
	)
	if s.endpoint == "" {
		store = dumpstore.NewLocalStore(where)
	} else if store, _, err = s.open(where); err != nil {
		return err
	} else {
		prefix = where
	}

	names, err := store.List(ctx, prefix)
	if err != nil {
		return err
	}

	if jsonOut {
		if names == nil {
			names = []string{}
		}
		return printJSON(names)
	}
	for _, name := range names {
		printInfo("%s\n", name)
	}
	return nil
}
