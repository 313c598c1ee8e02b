// Command pagealloc boots a page allocator over simulated physical memory,
// stresses it with concurrent workloads and inspects crash dumps.
package main

func main() {
	execute()
}
