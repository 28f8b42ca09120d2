// Command stepgate runs the StepGate daemon and its control commands.
package main

import "github.com/stepgate/stepgate/internal/cli"

func main() {
	cli.Execute()
}
