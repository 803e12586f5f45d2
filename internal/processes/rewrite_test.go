package processes

import "testing"

func TestAdjustCommandPortRewritesFlag(t *testing.T) {
	cases := map[string]string{
		"npm run dev -- --port 3000":  "npm run dev -- --port 3100",
		"npm run dev -- --port=3000":  "npm run dev -- --port=3100",
		"server -p 8080":              "server -p 3100",
	}
	for input, want := range cases {
		got := AdjustCommandPort(input, 3100)
		if got != want {
			t.Errorf("AdjustCommandPort(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestAdjustCommandPortLeavesUnmatchedUnchanged(t *testing.T) {
	input := "python3 manage.py runserver"
	if got := AdjustCommandPort(input, 9000); got != input {
		t.Errorf("expected unchanged command, got %q", got)
	}
}

func TestExtractCommandPort(t *testing.T) {
	port, ok := ExtractCommandPort("npm run dev -- --port 4000")
	if !ok || port != 4000 {
		t.Fatalf("expected port 4000, got %d ok=%v", port, ok)
	}

	_, ok = ExtractCommandPort("go run .")
	if ok {
		t.Fatal("expected no port found")
	}
}
