package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetAndGetState(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetState("T8010.cameras.T8113.motion_detected", true, true); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetState("T8010.cameras.T8113.motion_detected")
	if err != nil {
		t.Fatal(err)
	}
	if got.Val != true {
		t.Errorf("val = %v, want true", got.Val)
	}
	if !got.Ack {
		t.Error("ack = false, want true")
	}
	if got.TS.IsZero() {
		t.Error("ts is zero")
	}
}

func TestGetStateNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetState("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetStateChanged(t *testing.T) {
	s := newTestStore(t)
	ts := time.Unix(1700000000, 0)

	changed, err := s.SetStateChanged("st.station.guard_mode", 1, ts)
	if err != nil || !changed {
		t.Fatalf("first write changed=%v err=%v", changed, err)
	}
	changed, err = s.SetStateChanged("st.station.guard_mode", 1, ts.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("identical acked value should not be rewritten")
	}
	changed, _ = s.SetStateChanged("st.station.guard_mode", 63, ts.Add(2*time.Minute))
	if !changed {
		t.Error("new value should be written")
	}
	got, _ := s.GetState("st.station.guard_mode")
	if n, _ := got.Number(); n != 63 {
		t.Errorf("guard_mode = %v, want 63", got.Val)
	}
}

func TestAckState(t *testing.T) {
	s := newTestStore(t)
	s.SetState("a.b", true, false)
	if err := s.AckState("a.b"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetState("a.b")
	if !got.Ack {
		t.Error("ack = false after AckState")
	}
	if err := s.AckState("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ack missing err = %v, want ErrNotFound", err)
	}
}

func TestListStatesPrefix(t *testing.T) {
	s := newTestStore(t)
	s.SetState("S1.cameras.D1.motion_detected", true, true)
	s.SetState("S1.cameras.D1.enabled", true, true)
	s.SetState("S1.cameras.D2.enabled", false, true)
	s.SetState("S2.station.guard_mode", 0, true)

	got, err := s.ListStates("S1.cameras.D1.")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
	all, _ := s.ListStates("")
	if len(all) != 4 {
		t.Errorf("all = %d, want 4", len(all))
	}
}

func TestDeleteStateNotifies(t *testing.T) {
	s := newTestStore(t)

	var ids []string
	var deleted bool
	s.OnChange(func(id string, st *State) {
		ids = append(ids, id)
		if st == nil {
			deleted = true
		}
	})

	s.SetState("x.rtsp_stream_url", "rtsp://1.2.3.4", true)
	if err := s.DeleteState("x.rtsp_stream_url"); err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("notifications = %d, want 2", len(ids))
	}
	if !deleted {
		t.Error("delete did not notify with nil state")
	}
	if _, err := s.GetState("x.rtsp_stream_url"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEnsureObject(t *testing.T) {
	s := newTestStore(t)
	obj := &Object{ID: "S1.station.reboot", Name: "Reboot station", Type: TypeBoolean, Write: true}

	created, err := s.EnsureObject(obj)
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	created, err = s.EnsureObject(&Object{ID: "S1.station.reboot", Name: "other"})
	if err != nil || created {
		t.Fatalf("second ensure created=%v err=%v", created, err)
	}
	got, err := s.GetObject("S1.station.reboot")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Reboot station" {
		t.Errorf("name = %q, want original definition kept", got.Name)
	}
	objs, _ := s.ListObjects("S1.")
	if len(objs) != 1 {
		t.Errorf("objects = %d, want 1", len(objs))
	}
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	s.SetState("S1.cameras.D1.person_detected", true, true)
	s.Close()

	s2, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.GetState("S1.cameras.D1.person_detected")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Bool() {
		t.Error("person_detected lost after reopen")
	}
}
