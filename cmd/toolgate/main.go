// Command toolgate runs the multi-tenant tool gateway.
package main

import "github.com/toolgate-io/toolgate/cmd/toolgate/cmd"

func main() {
	cmd.Execute()
}
