package api

// BatchRequest is the body of POST /v1/batch. Omitted generation fields
// fall back to the server's pipeline configuration.
type BatchRequest struct {
	Prompts      []string `json:"prompts"`
	MaxNewTokens *int     `json:"max_new_tokens,omitempty"`
	StopStrings  []string `json:"stop_strings,omitempty"`
}

// BatchItem reports one prompt's outcome in its submission slot.
type BatchItem struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	Tokens       []int  `json:"tokens,omitempty"`
	FinishReason string `json:"finish_reason"`
	Error        string `json:"error,omitempty"`
}

type BatchResponse struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Results []BatchItem `json:"results"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
