package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/trotux/libbus1-go/kernel"
)

type fakePeer struct{}

func (fakePeer) FD() int                 { return 42 }
func (fakePeer) NodeIDs() []kernel.ID    { return []kernel.ID{1, 2} }
func (fakePeer) HandleIDs() []kernel.ID  { return []kernel.ID{3} }

func TestSnapshotEndpoint(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", fakePeer{})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.http.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/snapshot")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.FD != 42 || len(snap.Nodes) != 2 || len(snap.Handles) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
