package extractor

import (
	"testing"

	"github.com/neul-labs/grit/internal/types"
)

const goSample = `package sample

import "fmt"

type Widget struct {
	Name string
}

const DefaultName = "widget"

func NewWidget(name string) *Widget {
	return &Widget{Name: name}
}

func (w *Widget) Print() {
	fmt.Println(w.Name)
}
`

func TestExtractGo(t *testing.T) {
	result := Extract("widget.go", []byte(goSample))
	if result.Language != "go" {
		t.Fatalf("language = %s", result.Language)
	}

	byName := map[string]string{}
	for _, s := range result.Symbols {
		byName[s.Name] = s.Kind
	}
	if byName["Widget"] != "type" {
		t.Errorf("Widget kind = %q", byName["Widget"])
	}
	if byName["NewWidget"] != "function" {
		t.Errorf("NewWidget kind = %q", byName["NewWidget"])
	}
	if byName["Print"] != "function" {
		t.Errorf("Print kind = %q", byName["Print"])
	}
	if byName["DefaultName"] != "const" {
		t.Errorf("DefaultName kind = %q", byName["DefaultName"])
	}

	if result.Summary == "" {
		t.Error("empty summary")
	}
	if result.ContentHash == (types.Hash32{}) {
		t.Error("content hash not computed")
	}
}

func TestExtractPython(t *testing.T) {
	src := "class Greeter:\n    def greet(self):\n        pass\n"
	result := Extract("greeter.py", []byte(src))
	if result.Language != "python" {
		t.Fatalf("language = %s", result.Language)
	}
	if len(result.Symbols) != 2 {
		t.Fatalf("symbols = %+v", result.Symbols)
	}
}

func TestUnknownExtension(t *testing.T) {
	result := Extract("notes.txt", []byte("just text"))
	if result.Language != "text" {
		t.Errorf("language = %s", result.Language)
	}
	if len(result.Symbols) != 0 {
		t.Errorf("symbols from plain text: %+v", result.Symbols)
	}
}

func TestDeterministicHash(t *testing.T) {
	a := Extract("x.go", []byte(goSample))
	b := Extract("x.go", []byte(goSample))
	if a.ContentHash != b.ContentHash {
		t.Error("content hash not deterministic")
	}
}
