package taskbody_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"blueprintr/extraction-service/internal/classify"
	"blueprintr/extraction-service/internal/taskbody"
)

func noProgress(int) {}

func TestRegistry(t *testing.T) {
	echo := taskbody.Func(func(_ context.Context, in taskbody.Input, _ taskbody.ProgressFunc) (json.RawMessage, error) {
		return json.RawMessage(`{"ref":"` + in.Ref + `"}`), nil
	})
	r := taskbody.NewRegistry(map[string]taskbody.TaskBody{
		"pdf": echo,
		"dxf": echo,
	})

	if _, err := r.Get("pdf"); err != nil {
		t.Errorf("Get(pdf) = %v, want body", err)
	}
	if _, err := r.Get("ifc"); err == nil {
		t.Errorf("Get(ifc) succeeded, want error for unregistered kind")
	}
	if got, want := r.Kinds(), []string{"dxf", "pdf"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Kinds() = %v, want %v", got, want)
	}
}

func TestDXF_CountsEntitiesAndLayers(t *testing.T) {
	content := "0\nSECTION\n2\nENTITIES\n" +
		"0\nLINE\n8\nWALLS\n10\n0.0\n20\n0.0\n" +
		"0\nLINE\n8\nWALLS\n10\n1.0\n20\n1.0\n" +
		"0\nCIRCLE\n8\nFIXTURES\n10\n2.0\n20\n2.0\n40\n0.5\n" +
		"0\nENDSEC\n0\nEOF\n"
	path := filepath.Join(t.TempDir(), "plan.dxf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	raw, err := taskbody.NewDXF().Execute(context.Background(), taskbody.Input{Ref: path}, noProgress)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var result taskbody.DXFResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Entities != 3 {
		t.Errorf("entities = %d, want 3", result.Entities)
	}
	if result.EntityCounts["LINE"] != 2 || result.EntityCounts["CIRCLE"] != 1 {
		t.Errorf("entity counts = %v, want LINE:2 CIRCLE:1", result.EntityCounts)
	}
	if want := []string{"FIXTURES", "WALLS"}; !reflect.DeepEqual(result.Layers, want) {
		t.Errorf("layers = %v, want %v", result.Layers, want)
	}
}

func TestDXF_ProgressReportsOnlyOnPercentChange(t *testing.T) {
	var content strings.Builder
	content.WriteString("0\nSECTION\n2\nENTITIES\n")
	for i := 0; i < 5000; i++ {
		content.WriteString("0\nPOINT\n8\nGRID\n10\n1.0\n20\n2.0\n")
	}
	content.WriteString("0\nENDSEC\n0\nEOF\n")

	path := filepath.Join(t.TempDir(), "big.dxf")
	if err := os.WriteFile(path, []byte(content.String()), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	// Every report becomes a store heartbeat, so the callback must fire at
	// most once per integer percentage, not once per group-code pair.
	reports := 0
	if _, err := taskbody.NewDXF().Execute(context.Background(), taskbody.Input{Ref: path}, func(int) {
		reports++
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reports == 0 {
		t.Error("no progress reported")
	}
	if reports > 101 {
		t.Errorf("progress reported %d times, want at most 101", reports)
	}
}

func TestDXF_GarbageIsPermanent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.dxf")
	if err := os.WriteFile(path, []byte("this is not a drawing\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	_, err := taskbody.NewDXF().Execute(context.Background(), taskbody.Input{Ref: path}, noProgress)
	if err == nil {
		t.Fatal("Execute succeeded on garbage, want error")
	}
	if classify.Classify(err) != classify.ClassPermanent {
		t.Errorf("garbage dxf classified %v, want permanent", classify.Classify(err))
	}
}

func TestDXF_MissingFileIsRetryable(t *testing.T) {
	_, err := taskbody.NewDXF().Execute(context.Background(),
		taskbody.Input{Ref: filepath.Join(t.TempDir(), "nope.dxf")}, noProgress)
	if err == nil {
		t.Fatal("Execute succeeded on missing file, want error")
	}
	if classify.Classify(err) != classify.ClassRetryable {
		t.Errorf("missing file classified %v, want retryable (default)", classify.Classify(err))
	}
}

func TestPDF_MissingFileIsRetryable(t *testing.T) {
	_, err := taskbody.NewPDF().Execute(context.Background(),
		taskbody.Input{Ref: filepath.Join(t.TempDir(), "nope.pdf")}, noProgress)
	if err == nil {
		t.Fatal("Execute succeeded on missing file, want error")
	}
	if classify.Classify(err) != classify.ClassRetryable {
		t.Errorf("missing pdf classified %v, want retryable (default)", classify.Classify(err))
	}
}

func TestAnalysis_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantClass classify.Class
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, classify.ClassRetryable},
		{"unauthorized", http.StatusUnauthorized, `{}`, classify.ClassPermanent},
		{"bad request", http.StatusBadRequest, `{"error":"no such ref"}`, classify.ClassPermanent},
		{"too large", http.StatusRequestEntityTooLarge, `{}`, classify.ClassPermanent},
		{"server error", http.StatusBadGateway, `{}`, classify.ClassRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := taskbody.NewAnalysis(srv.URL).Execute(context.Background(),
				taskbody.Input{Ref: "drawings/a.pdf"}, noProgress)
			if err == nil {
				t.Fatalf("Execute succeeded on %d, want error", tt.status)
			}
			if got := classify.Classify(err); got != tt.wantClass {
				t.Errorf("status %d classified %v, want %v", tt.status, got, tt.wantClass)
			}
		})
	}
}

func TestAnalysis_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["input_ref"] != "drawings/a.pdf" {
			t.Errorf("input_ref = %v, want drawings/a.pdf", req["input_ref"])
		}
		w.Write([]byte(`{"rooms":12,"doors":34}`))
	}))
	defer srv.Close()

	var lastProgress int
	raw, err := taskbody.NewAnalysis(srv.URL).Execute(context.Background(),
		taskbody.Input{Ref: "drawings/a.pdf"}, func(p int) { lastProgress = p })
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var result map[string]int
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["rooms"] != 12 {
		t.Errorf("rooms = %d, want 12", result["rooms"])
	}
	if lastProgress != 100 {
		t.Errorf("final progress = %d, want 100", lastProgress)
	}
}
