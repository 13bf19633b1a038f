package security

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// CSPViolation is one Content Security Policy violation report, as
// browsers POST it to the /csp-report endpoint the relay's CSP names.
// The relay never serves HTML, so any report here means something is
// rendering relay responses in a context they were never meant for.
type CSPViolation struct {
	DocumentURI        string `json:"document-uri"`
	Referrer           string `json:"referrer"`
	ViolatedDirective  string `json:"violated-directive"`
	EffectiveDirective string `json:"effective-directive"`
	OriginalPolicy     string `json:"original-policy"`
	BlockedURI         string `json:"blocked-uri"`
	StatusCode         int    `json:"status-code"`
	LineNumber         int    `json:"line-number"`
	ColumnNumber       int    `json:"column-number"`
	SourceFile         string `json:"source-file"`
	ScriptSample       string `json:"script-sample"`
}

// CSPReport is the envelope browsers wrap a violation in.
type CSPReport struct {
	CSPReport CSPViolation `json:"csp-report"`
}

// CSPViolationHandler accepts CSP violation reports and records them.
func CSPViolationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10*1024)) // 10KB max
	if err != nil {
		log.Printf("ERROR: Failed to read CSP report: %v", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	var report CSPReport
	if err := json.Unmarshal(body, &report); err != nil {
		log.Printf("ERROR: Invalid CSP report format: %v", err)
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	logCSPViolation(report.CSPReport)

	// 204 No Content per the CSP reporting spec
	w.WriteHeader(http.StatusNoContent)
}

// logCSPViolation logs CSP violations to file and console.
func logCSPViolation(violation CSPViolation) {
	logEntry := struct {
		Timestamp    string `json:"timestamp"`
		CSPViolation `json:"violation"`
	}{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		CSPViolation: violation,
	}

	jsonData, err := json.Marshal(logEntry)
	if err != nil {
		log.Printf("Error marshaling CSP violation: %v", err)
		return
	}

	log.Printf("CSP Violation: %s", string(jsonData))

	file, err := os.OpenFile("csp_violations.log",
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("Error opening CSP violation log file: %v", err)
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Printf("Warning: failed to close file: %v", err)
		}
	}()

	if _, err := file.Write(append(jsonData, '\n')); err != nil {
		log.Printf("Error writing to CSP violation log file: %v", err)
	}
}
