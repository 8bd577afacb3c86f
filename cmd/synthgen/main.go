// synthgen generates labeled datasets with instruction-following language
// models.
//
// Usage:
//
//	synthgen generate --task_file task_specs/imdb-x1.json --output_dir out --num_entries_per_input 1000
//	synthgen generate --task_file task_specs/imdb-x2.json --output_dir out --input_file out/imdb-dataset.jsonl \
//	    --num_entries_per_input 2 --decay_constant 100
//	synthgen validate-task --task_file task_specs/imdb-x1.json
package main

import (
	"fmt"
	"os"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
