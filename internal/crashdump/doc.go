// Package crashdump writes and reads post-mortem snapshots of a page allocator.
//
// A dump captures the reference count table and the free list order at one
// instant so that a corrupted or leaking allocator can be examined offline.
//
// # File Layout
//
//	┌──────────────────────────────────────────────┐
//	│ Header (56 bytes, little-endian)             │
//	│   magic "PGDUMP01" | compression | pad       │
//	│   page size | table base | start | end       │
//	│   slot count | free count                    │
//	├──────────────────────────────────────────────┤
//	│ Body: compressed blocks                      │
//	│   [u32 raw size][u32 packed size][bytes]     │
//	│   slots (1 byte each) then free list (u64)   │
//	└──────────────────────────────────────────────┘
//
// A packed size of 0 marks a block stored uncompressed, which happens when
// compression is disabled or saves less than 10%.
package crashdump
