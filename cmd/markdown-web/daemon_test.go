package main

import (
	"reflect"
	"testing"
)

func TestChildArgsDropsParentFlags(t *testing.T) {
	in := []string{"--config", "mdweb.toml", "start", "--detach", "--logfile", "/tmp/sup.log", "--base-dir=/srv"}
	want := []string{"--config", "mdweb.toml", "start", "--base-dir=/srv"}
	if got := childArgs(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("childArgs = %v, want %v", got, want)
	}

	in = []string{"start", "--detach=true", "--logfile=/tmp/x"}
	if got := childArgs(in); !reflect.DeepEqual(got, []string{"start"}) {
		t.Fatalf("childArgs = %v", got)
	}
}
