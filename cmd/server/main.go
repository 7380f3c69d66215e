/*
main.go - Application entry point

PURPOSE:
  Starts the commission engine. All commands, flags and wiring live in
  the cli package.

EXAMPLES:
  # Run the API against a file database
  ./server serve --config=engine.toml

  # Run on a different port
  ./server serve -p 3000

  # Load the five-level demo tree and exit
  DATABASE_URL=demo.db ./server scenario five-levels

SEE ALSO:
  - cli/root.go: command tree
  - config/config.go: settings and environment overrides
*/
package main

import "github.com/warp/commission-engine/cli"

func main() {
	cli.Execute()
}
