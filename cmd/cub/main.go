// Command cub runs coding-agent harnesses against a task backend until the
// work is done, the budget is spent or it is told to stop.
package main

import "os"

func main() {
	os.Exit(Execute())
}
