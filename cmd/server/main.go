/*
main.go - Application entry point

PURPOSE:
  Starts the credit-ledger command line. All setup lives in the cli
  package; see "credit-ledger --help".

EXAMPLES:
  # Create the schema and load demo data
  ./credit-ledger migrate --db ./data/ledger.db
  ./credit-ledger seed --scenario all

  # Run the API on port 3000 with the pure-Go driver
  LEDGER_JWT_SECRET=... ./credit-ledger serve --port 3000 --driver sqlite

ENVIRONMENT:
  LEDGER_DB_PATH, LEDGER_DB_DRIVER, LEDGER_JWT_SECRET, LEDGER_PORT,
  LEDGER_LOG_LEVEL

SEE ALSO:
  - cli/serve.go: Server startup and graceful shutdown
  - config/config.go: Config file format
*/
package main

import (
	"os"

	"github.com/warp/credit-ledger/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
