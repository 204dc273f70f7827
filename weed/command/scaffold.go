package command

import (
	"os"
	"path/filepath"
)

func init() {
	cmdScaffold.Run = runScaffold // break init cycle
}

var cmdScaffold = &Command{
	UsageLine: "scaffold -config=nexus",
	Short:     "generate basic configuration files",
	Long: `Generate nexus.toml with all possible configurations for you to customize.

  `,
}

var (
	outputPath = cmdScaffold.Flag.String("output", "", "if not empty, save the configuration file to this directory")
	config     = cmdScaffold.Flag.String("config", "nexus", "[nexus] the configuration file to generate")
)

func runScaffold(cmd *Command, args []string) bool {

	content := ""
	switch *config {
	case "nexus":
		content = NEXUS_TOML_EXAMPLE
	}
	if content == "" {
		println("need a valid -config option")
		return false
	}

	if *outputPath != "" {
		os.WriteFile(filepath.Join(*outputPath, *config+".toml"), []byte(content), 0644)
	} else {
		println(content)
	}
	return true
}

const (
	NEXUS_TOML_EXAMPLE = `
# A sample TOML config file for the sw-block nexus node
# Used with "weed nexus"
# Put this file to one of the location, with descending priority
#    ./nexus.toml
#    $HOME/.sw-block/nexus.toml
#    /etc/sw-block/nexus.toml

[nexus]
# rebuild copy unit, must be a multiple of the child block size
segment_size = "1MiB"
# re-copy passes over segments written during a rebuild before giving up
max_rebuild_passes = 8
# a child is faulted once its read errors within error_window exceed this
error_threshold = 3
error_window = "10s"
# queued operations per nexus before callers block
reactor_depth = 256
# pause before retrying a failed reservation reconciliation
reconcile_retry_interval = "100ms"
# pause before retrying a rebuild segment that has writes in flight
lock_retry_interval = "1ms"
# retries on one busy segment before the rebuild fails
max_lock_retries = 10000
# how long destroying all nexuses may take on shutdown
shutdown_timeout = "30s"

[child]
# defaults for child URIs that carry no blk_size or size parameter
block_size = 512
size = "64MiB"

[fault_injection]
# expose /inject to fail child I/O on purpose, for testing only
enabled = false

[metrics]
# prometheus push gateway, empty to disable pushing
address = ""
interval_sec = 15
`
)
