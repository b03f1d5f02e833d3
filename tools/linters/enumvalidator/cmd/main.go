package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"painchain.app/ingest/tools/linters/enumvalidator"
)

func main() {
	singlechecker.Main(enumvalidator.Analyzer)
}
