package dag

import "testing"

func TestValidate_DuplicateID(t *testing.T) {
	nodes := []Node{{ID: "a"}, {ID: "a"}}
	if err := Validate(nodes); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestValidate_UnknownDependency(t *testing.T) {
	nodes := []Node{{ID: "a", DependsOn: []string{"ghost"}}}
	if err := Validate(nodes); err == nil {
		t.Fatal("expected unknown dependency error")
	}
}

func TestValidate_SelfLoop(t *testing.T) {
	nodes := []Node{{ID: "a", DependsOn: []string{"a"}}}
	if err := Validate(nodes); err == nil {
		t.Fatal("expected self-loop error")
	}
}

func TestValidate_Cycle(t *testing.T) {
	nodes := []Node{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	if err := Validate(nodes); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestValidate_Acyclic(t *testing.T) {
	nodes := []Node{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a", "b"}},
	}
	if err := Validate(nodes); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLevels_Orders(t *testing.T) {
	nodes := []Node{
		{ID: "c", DependsOn: []string{"a", "b"}},
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}
	levels := Levels(nodes)
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d: %v", len(levels), levels)
	}
	if levels[0][0] != "a" {
		t.Fatalf("expected level 0 = [a], got %v", levels[0])
	}
	if levels[1][0] != "b" {
		t.Fatalf("expected level 1 = [b], got %v", levels[1])
	}
	if levels[2][0] != "c" {
		t.Fatalf("expected level 2 = [c], got %v", levels[2])
	}
}

func TestLevels_ParallelSiblings(t *testing.T) {
	nodes := []Node{{ID: "a"}, {ID: "b"}}
	levels := Levels(nodes)
	if len(levels) != 1 || len(levels[0]) != 2 {
		t.Fatalf("expected single level with both nodes, got %v", levels)
	}
}
