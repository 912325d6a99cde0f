package accnt

import (
	"testing"
	"time"
)

func TestAddAndSnapshot(t *testing.T) {
	var a Accnt
	a.AddUser(10 * time.Millisecond)
	a.AddSys(5 * time.Millisecond)
	user, sys := a.Snapshot()
	if user != 10*time.Millisecond || sys != 5*time.Millisecond {
		t.Fatalf("got user=%v sys=%v", user, sys)
	}
}

func TestMerge(t *testing.T) {
	var a, b Accnt
	a.AddUser(10 * time.Millisecond)
	b.AddUser(20 * time.Millisecond)
	b.AddSys(1 * time.Millisecond)
	a.Merge(&b)
	user, sys := a.Snapshot()
	if user != 30*time.Millisecond || sys != 1*time.Millisecond {
		t.Fatalf("got user=%v sys=%v", user, sys)
	}
}
