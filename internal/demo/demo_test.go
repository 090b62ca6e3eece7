package demo

import "testing"

func TestRunAllScenariosPass(t *testing.T) {
	report := RunAll()
	for _, r := range report.Results {
		if !r.Pass {
			t.Errorf("scenario %q failed: %s", r.Name, r.Detail)
		}
	}
	if !report.AllPassed() {
		t.Fatalf("expected every spec.md §8 scenario to pass")
	}
}

func TestRunAllCoversEveryNamedScenario(t *testing.T) {
	want := map[string]bool{
		"XOR 1 inputs=(0,0)":       true,
		"XOR 2 inputs=(1,0)":       true,
		"XOR 3 inputs=(1,1)":       true,
		"OTA round-trip":           true,
		"Queue overflow":           true,
		"Leak decay":               true,
		"Cluster PING round-trip":  true,
	}
	report := RunAll()
	if len(report.Results) != len(want) {
		t.Fatalf("expected %d scenarios, got %d", len(want), len(report.Results))
	}
	for _, r := range report.Results {
		if !want[r.Name] {
			t.Fatalf("unexpected scenario name %q", r.Name)
		}
	}
}
