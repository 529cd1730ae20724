package main

import "testing"

func TestParseReplySinglePeer(t *testing.T) {
	pairs := []kv{
		{"handle", "0"},
		{"hostname", "studio"},
		{"position", "right"},
		{"active", "false"},
		{"alive", "true"},
		{"rtt_nanos", "1500000"},
		{"keymap_known", "false"},
		{"errno", "0"},
	}
	records, errno, errMsg := parseReply(pairs)
	if errno != 0 || errMsg != "" {
		t.Fatalf("unexpected status: errno=%d errMsg=%q", errno, errMsg)
	}
	if len(records) != 1 {
		t.Fatalf("want 1 record, got %d", len(records))
	}
	if records[0]["hostname"] != "studio" {
		t.Fatalf("hostname = %q", records[0]["hostname"])
	}
}

func TestParseReplyMultiplePeers(t *testing.T) {
	pairs := []kv{
		{"handle", "0"}, {"hostname", "studio"}, {"position", "right"},
		{"handle", "1"}, {"hostname", "laptop"}, {"position", "left"},
		{"errno", "0"},
	}
	records, errno, _ := parseReply(pairs)
	if errno != 0 {
		t.Fatalf("errno = %d", errno)
	}
	if len(records) != 2 {
		t.Fatalf("want 2 records, got %d", len(records))
	}
	if records[0]["hostname"] != "studio" || records[1]["hostname"] != "laptop" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestParseReplyEmptyList(t *testing.T) {
	pairs := []kv{{"errno", "0"}}
	records, errno, _ := parseReply(pairs)
	if errno != 0 || len(records) != 0 {
		t.Fatalf("want no records, got %+v errno=%d", records, errno)
	}
}

func TestParseReplyError(t *testing.T) {
	pairs := []kv{{"errno", "1"}, {"error", "connect requires hostname or ips"}}
	records, errno, errMsg := parseReply(pairs)
	if errno != 1 || errMsg == "" || len(records) != 0 {
		t.Fatalf("want errno=1 with message, got errno=%d errMsg=%q records=%+v", errno, errMsg, records)
	}
}

func TestNewRootCmdHasAllSubcommands(t *testing.T) {
	root := NewRootCmd()
	want := []string{"daemon", "connect", "list", "activate", "deactivate", "remove"}
	for _, name := range want {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("root command missing subcommand %q", name)
		}
	}
}
