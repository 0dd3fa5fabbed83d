package optapi

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// envelope is the upstream response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ok reports success. Some deployments omit the code on success.
func (e *envelope) ok() bool {
	return e.Code == 0 || e.Code == 200
}

// flexString accepts both JSON strings and numbers; upstream ids come
// back as either depending on the endpoint.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type userKeyResponse struct {
	APIKey      string `json:"apikey"`
	FrontendURL string `json:"frontendUrl"`
}

type workspaceCreated struct {
	WorkspaceID flexString `json:"workspaceId"`
}

type analysisCreated struct {
	AnalysisID flexString `json:"analysisId"`
}

type summaryResponse struct {
	AnalysisID           flexString `json:"analysisId"`
	SummaryStatementInfo []struct {
		AnalysisStmtID flexString `json:"analysisStmtId"`
		StmtText       string     `json:"stmtText"`
	} `json:"summaryStatementInfo"`
}

type detailsResponse struct {
	AnalysisStmtID flexString `json:"analysisStmtId"`
	DetailMarkdown string     `json:"detailMarkdown"`
}

type workspaceRecord struct {
	WorkspaceID   flexString `json:"workspaceId"`
	WorkspaceName string     `json:"workspaceName"`
	DBType        string     `json:"dbType"`
	DBHost        *string    `json:"dbHost"`
	Status        flexString `json:"status"`
}

type workspacePage struct {
	Total   flexString        `json:"total"`
	Records []workspaceRecord `json:"records"`
}

func (p workspacePage) total() int {
	n, err := strconv.Atoi(string(p.Total))
	if err != nil {
		return len(p.Records)
	}
	return n
}
