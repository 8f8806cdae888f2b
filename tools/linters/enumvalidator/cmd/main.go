package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"marginalia.app/insight/tools/linters/enumvalidator"
)

func main() {
	singlechecker.Main(enumvalidator.Analyzer)
}
