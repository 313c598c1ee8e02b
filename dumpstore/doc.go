// Package dumpstore saves and loads allocator crash dumps.
//
// Dumps are written once and never modified, so a store only needs to put,
// get and list whole objects. LocalStore keeps them in a directory;
// the minio subpackage ships them to S3-compatible object storage so dumps
// from short-lived test machines survive the machine.
//
//	store := dumpstore.NewLocalStore("/var/crash")
//	var buf bytes.Buffer
//	_ = a.Dump(&buf, pagealloc.DumpZSTD)
//	_ = store.Put(ctx, "node0.pgdump", buf.Bytes())
package dumpstore
