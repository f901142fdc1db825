package main

import (
	"os"
	"testing"

	"github.com/alecthomas/kong"
)

func TestParseMount(t *testing.T) {
	tests := []struct {
		args   []string
		letter string
		ro     bool
		subvol *uint64
	}{
		{args: []string{"mount", "/dev/sdb1"}},
		{args: []string{"mount", "/dev/sdb1", "Y", "-r"}, letter: "Y", ro: true},
		{args: []string{"mount", "/dev/sdb1", "/mnt/data", "--subvolume", "257"}, letter: "/mnt/data", subvol: new(uint64)},
	}
	for _, tt := range tests {
		cli := &CLI{}
		p, err := kong.New(cli)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := p.Parse(tt.args); err != nil {
			t.Fatalf("%v: %v", tt.args, err)
		}
		if cli.Mount.Source != "/dev/sdb1" || cli.Mount.DriveLetter != tt.letter || cli.Mount.ReadOnly != tt.ro {
			t.Errorf("%v: unexpected %+v", tt.args, cli.Mount)
		}
		if (tt.subvol == nil) != (cli.Mount.Subvolume == nil) {
			t.Errorf("%v: expected subvolume set %v, got %v", tt.args, tt.subvol != nil, cli.Mount.Subvolume)
		}
		if cli.Mount.Subvolume != nil && *cli.Mount.Subvolume != 257 {
			t.Errorf("%v: expected subvolume 257, got %d", tt.args, *cli.Mount.Subvolume)
		}
	}
}

func TestParseDefaults(t *testing.T) {
	for _, k := range []string{"BTRMOUNT_API_ADDRESS", "BTRMOUNT_LOG_LEVEL"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	cli := &CLI{}
	p, err := kong.New(cli)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Parse([]string{"subvol", "show", "/dev/sdb1", "256"}); err != nil {
		t.Fatal(err)
	}
	if cli.Address != "127.0.0.1:8148" || cli.LogLevel != "info" {
		t.Errorf("unexpected globals %q %q", cli.Address, cli.LogLevel)
	}
	if cli.Subvolumes.Show.ID != 256 {
		t.Errorf("expected id 256, got %d", cli.Subvolumes.Show.ID)
	}
}

func TestParseFrag(t *testing.T) {
	cli := &CLI{}
	p, err := kong.New(cli)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Parse([]string{"frag", "disk.img", "-r", "-n", "5"}); err != nil {
		t.Fatal(err)
	}
	if cli.Frag.Path != "/" || !cli.Frag.Recurse || cli.Frag.Top != 5 || cli.Frag.Subvolume != nil {
		t.Errorf("unexpected %+v", cli.Frag)
	}
}
