// Command demo replays spec.md §8's concrete scenarios and prints a
// pass/fail report, the same role SupraX.go's Example() played: run the
// reference model, print its stats.
package main

import (
	"fmt"
	"os"

	"github.com/texelec/neurofab-z1-cluster-sub001/internal/demo"
)

func main() {
	report := demo.RunAll()
	fmt.Print(report)
	if !report.AllPassed() {
		os.Exit(1)
	}
}
