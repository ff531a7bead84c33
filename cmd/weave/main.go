// Command weave runs agent pipelines described in YAML with dependency
// aware planning, resource scheduling and failure recovery.
package main

func main() {
	Execute()
}
