// Command sqlgate runs the SQLGate session broker.
package main

import "github.com/sqlgate/sqlgate/cmd/sqlgate/cmd"

func main() {
	cmd.Execute()
}
