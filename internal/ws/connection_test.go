package ws

import (
	"fmt"
	"testing"
)

func TestConnectionManager_AddGetRemove(t *testing.T) {
	cm := NewConnectionManager()
	conn := newPipeConnection(t, "conn1", "alice")
	conn.Fd = 10

	cm.Add(conn)

	if got := cm.Get("conn1"); got != conn {
		t.Error("Get by ID returned wrong connection")
	}
	if got := cm.GetByFd(10); got != conn {
		t.Error("GetByFd returned wrong connection")
	}
	if cm.Count() != 1 {
		t.Errorf("Count = %d, want 1", cm.Count())
	}

	if !cm.Remove("conn1") {
		t.Fatal("Remove returned false for a registered connection")
	}
	if cm.Get("conn1") != nil || cm.GetByFd(10) != nil {
		t.Error("connection still reachable after Remove")
	}
	if cm.Remove("conn1") {
		t.Error("second Remove returned true, want false")
	}
}

func TestConnectionManager_ByUser(t *testing.T) {
	cm := NewConnectionManager()

	// Alice with two tabs, bob with one.
	for i, userID := range []string{"alice", "alice", "bob"} {
		conn := newPipeConnection(t, fmt.Sprintf("conn%d", i), userID)
		conn.Fd = 100 + i
		cm.Add(conn)
	}

	if n := cm.UserConnectionCount("alice"); n != 2 {
		t.Errorf("alice connections = %d, want 2", n)
	}
	if n := cm.UserConnectionCount("bob"); n != 1 {
		t.Errorf("bob connections = %d, want 1", n)
	}
	if n := cm.UserConnectionCount("carol"); n != 0 {
		t.Errorf("carol connections = %d, want 0", n)
	}

	// Closing one of alice's tabs keeps her online.
	cm.Remove("conn0")
	if n := cm.UserConnectionCount("alice"); n != 1 {
		t.Errorf("alice connections after one close = %d, want 1", n)
	}
	cm.Remove("conn1")
	if n := cm.UserConnectionCount("alice"); n != 0 {
		t.Errorf("alice connections after both closed = %d, want 0", n)
	}

	if got := cm.ByUser("bob"); len(got) != 1 || got[0].ID != "conn2" {
		t.Errorf("ByUser(bob) = %v, want [conn2]", got)
	}
}

func TestConnectionManager_All(t *testing.T) {
	cm := NewConnectionManager()
	for i := 0; i < 3; i++ {
		conn := newPipeConnection(t, fmt.Sprintf("conn%d", i), "alice")
		conn.Fd = 200 + i
		cm.Add(conn)
	}

	all := cm.All()
	if len(all) != 3 {
		t.Fatalf("All() returned %d connections, want 3", len(all))
	}
	seen := map[string]bool{}
	for _, c := range all {
		seen[c.ID] = true
	}
	for i := 0; i < 3; i++ {
		if !seen[fmt.Sprintf("conn%d", i)] {
			t.Errorf("conn%d missing from All()", i)
		}
	}
}
