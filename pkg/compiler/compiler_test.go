package compiler

import (
	"testing"

	"github.com/fortiblox/solisp/pkg/compiler/ast"
	"github.com/fortiblox/solisp/pkg/compiler/cache"
	"github.com/fortiblox/solisp/pkg/compiler/codegen"
)

func sym(name string) ast.Symbol      { return ast.Symbol{Name: name} }
func strLit(v string) ast.StringLit   { return ast.StringLit{Value: v} }
func list(elems ...ast.Node) ast.List { return ast.List{Elements: elems} }

// S1: `(sol_log_ "Hello from Solisp!")` (spec §8), compiled end to end.
func TestCompileSolLogProducesELF(t *testing.T) {
	source := `(sol_log_ "Hello from Solisp!")`
	program := []ast.Node{list(sym("sol_log_"), strLit("Hello from Solisp!"))}

	result, err := Compile(program, CompileOptions{Version: codegen.V1, Source: source})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(result.Object) < 4 || string(result.Object[:4]) != "\x7fELF" {
		t.Fatalf("Compile result does not start with an ELF magic number: %x", result.Object[:min(4, len(result.Object))])
	}
	if result.CacheHit {
		t.Errorf("expected a fresh compile, got CacheHit=true")
	}
}

func TestCompileV2ProducesDistinctObjectFromV1(t *testing.T) {
	source := `(sol_log_ "hi")`
	program := []ast.Node{list(sym("sol_log_"), strLit("hi"))}

	v1, err := Compile(program, CompileOptions{Version: codegen.V1, Source: source})
	if err != nil {
		t.Fatalf("Compile V1: %v", err)
	}
	v2, err := Compile(program, CompileOptions{Version: codegen.V2, Source: source})
	if err != nil {
		t.Fatalf("Compile V2: %v", err)
	}
	if string(v1.Object) == string(v2.Object) {
		t.Errorf("expected V1 and V2 objects to differ (dynamic relocation vs static hash)")
	}
}

func TestCompileCacheHitSkipsPipeline(t *testing.T) {
	cfg := cache.DefaultConfig("")
	cfg.InMemory = true
	c, err := cache.Open(cfg)
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	defer c.Close()

	source := `(sol_log_ "hi")`
	program := []ast.Node{list(sym("sol_log_"), strLit("hi"))}
	opts := CompileOptions{Version: codegen.V1, Source: source, Cache: c}

	first, err := Compile(program, opts)
	if err != nil {
		t.Fatalf("first Compile: %v", err)
	}
	if first.CacheHit {
		t.Fatalf("first compile should not be a cache hit")
	}

	second, err := Compile(program, opts)
	if err != nil {
		t.Fatalf("second Compile: %v", err)
	}
	if !second.CacheHit {
		t.Errorf("second compile with identical source/options should hit the cache")
	}
	if string(second.Object) != string(first.Object) {
		t.Errorf("cache hit returned a different object than the original compile")
	}
	if hits, _ := c.Stats(); hits != 1 {
		t.Errorf("expected 1 cache hit recorded, got %d", hits)
	}
}
