package gptbots

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// SplitterParagraph chunks uploaded documents on paragraph boundaries,
// which suits the markdown the pipeline produces.
const SplitterParagraph = "PARAGRAPH"

// KBClient is a client for the GPTBots knowledge base API. It carries its
// own API key because knowledge base access is authorized separately from
// the conversation agent.
type KBClient struct {
	BaseURL string
	APIKey  string
	client  *http.Client
}

// NewKBClient creates a knowledge base client.
func NewKBClient(baseURL, apiKey string, timeout time.Duration) *KBClient {
	return &KBClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// KnowledgeBase describes one knowledge base attached to the bot.
type KnowledgeBase struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// knowledgeBaseListResponse represents the paged knowledge base listing.
type knowledgeBaseListResponse struct {
	KnowledgeBase struct {
		List  []KnowledgeBase `json:"list"`
		Total int             `json:"total"`
	} `json:"knowledge_base"`
}

// UploadDocumentRequest represents a text document upload.
type UploadDocumentRequest struct {
	Files      []DocumentFile `json:"files"`
	ChunkToken int            `json:"chunk_token"`
	Splitter   string         `json:"splitter"`
}

// DocumentFile is one named document in an upload request.
type DocumentFile struct {
	SourceName string `json:"source_name"`
	Content    string `json:"content"`
}

// UploadDocumentResponse represents the upload result.
type UploadDocumentResponse struct {
	Doc []struct {
		DocID      string `json:"doc_id"`
		SourceName string `json:"source_name"`
	} `json:"doc"`
}

// ListKnowledgeBases fetches the knowledge bases attached to the bot. Used
// for the best-effort auto-labeling of uploaded batches.
func (c *KBClient) ListKnowledgeBases(ctx context.Context) ([]KnowledgeBase, error) {
	var resp knowledgeBaseListResponse
	url := c.BaseURL + "/v1/bot/knowledge/base/page"
	if err := doJSON(ctx, c.client, http.MethodGet, url, c.APIKey, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list knowledge bases: %w", err)
	}
	return resp.KnowledgeBase.List, nil
}

// UploadDocument adds one text document to the bot's knowledge base and
// returns its document ID.
func (c *KBClient) UploadDocument(ctx context.Context, sourceName, content string, chunkToken int) (string, error) {
	payload := UploadDocumentRequest{
		Files: []DocumentFile{
			{SourceName: sourceName, Content: content},
		},
		ChunkToken: chunkToken,
		Splitter:   SplitterParagraph,
	}

	var resp UploadDocumentResponse
	url := c.BaseURL + "/v1/bot/doc/text/add"
	if err := doJSON(ctx, c.client, http.MethodPost, url, c.APIKey, payload, &resp); err != nil {
		return "", fmt.Errorf("failed to upload document %s: %w", sourceName, err)
	}
	if len(resp.Doc) == 0 {
		return "", fmt.Errorf("upload response for %s contained no documents", sourceName)
	}
	return resp.Doc[0].DocID, nil
}
