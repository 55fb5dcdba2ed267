// Command eventmill replays historical analytics events into a live
// pipeline.
package main

import (
	"github.com/eventmill/eventmill/internal/cmd"
	"github.com/eventmill/eventmill/internal/version"
)

func main() {
	cmd.SetVersionInfo(version.Version, version.Commit, version.Date)
	cmd.Execute()
}
