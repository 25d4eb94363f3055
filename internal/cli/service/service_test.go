package service

import (
	"strings"
	"testing"
)

func TestRenderSystemd(t *testing.T) {
	out, err := renderSystemd(unit{Exe: "/usr/local/bin/omnigate", Config: "/etc/omnigate.yaml", Home: "/home/u"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "ExecStart=/usr/local/bin/omnigate serve --config /etc/omnigate.yaml\n") {
		t.Fatalf("ExecStart missing:\n%s", out)
	}
	if !strings.Contains(out, "WorkingDirectory=/home/u\n") {
		t.Fatalf("WorkingDirectory missing:\n%s", out)
	}
}

func TestRenderLaunchd(t *testing.T) {
	out, err := renderLaunchd(unit{Exe: "/opt/omnigate", Home: "/Users/u", LogDir: "/Users/u/logs", Label: launchLabel})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"<string>dev.omnigate</string>",
		"<string>/opt/omnigate</string>\n        <string>serve</string>\n    </array>",
		"<string>/Users/u/logs/omnigate.log</string>",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "--config") {
		t.Fatal("no config flag expected without a config path")
	}
}

func TestPlatformsDefineActions(t *testing.T) {
	for goos, p := range platforms {
		for _, a := range []string{"start", "stop", "status"} {
			if len(p.actions[a]) == 0 {
				t.Errorf("%s: no %s action", goos, a)
			}
		}
	}
}
