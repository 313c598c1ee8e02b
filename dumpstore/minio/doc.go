// Package minio stores crash dumps in MinIO or any S3-compatible object store.
//
// # Basic Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := miniodump.NewStore(client, "crash", "pagealloc/")
//	_ = store.Put(ctx, "node0.pgdump", dump)
package minio
