package translate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// geminiWireRequest is the marshaled shape of a genai GenerateContentRequest
// body as Gemini's REST API expects it (contents + optional
// system_instruction + generation_config + tools).
type geminiWireRequest struct {
	Contents          []*genai.Content            `json:"contents"`
	SystemInstruction *genai.Content               `json:"systemInstruction,omitempty"`
	GenerationConfig  *genai.GenerateContentConfig `json:"generationConfig,omitempty"`
	Tools             []map[string]any             `json:"tools,omitempty"`
	ToolConfig        map[string]any               `json:"toolConfig,omitempty"`
}

// OpenAIToGemini converts an OpenAI chat-completions body into a Gemini
// generateContent request body, per spec §4.5.2.
func OpenAIToGemini(ctx context.Context, body []byte, imageFetcher ImageFetcher) ([]byte, Warnings, error) {
	var req openAIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, apierr.Wrap(apierr.KindConversion, "decode openai request", err)
	}

	var warnings Warnings
	var systemInstruction *genai.Content
	var contents []*genai.Content
	sawSystem := false

	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if sawSystem {
				continue
			}
			sawSystem = true
			text, err := extractText(m.Content)
			if err != nil {
				return nil, nil, err
			}
			systemInstruction = &genai.Content{Parts: []*genai.Part{{Text: text}}}

		case "assistant":
			parts, err := geminiPartsFromOpenAI(ctx, m.Content, imageFetcher, &warnings)
			if err != nil {
				return nil, nil, err
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})

		default: // user
			parts, err := geminiPartsFromOpenAI(ctx, m.Content, imageFetcher, &warnings)
			if err != nil {
				return nil, nil, err
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
		}
	}

	var genCfg *genai.GenerateContentConfig
	needsCfg := req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil || len(req.Stop) > 0 || req.ResponseFormat != nil
	if needsCfg {
		genCfg = &genai.GenerateContentConfig{}
		if req.MaxTokens > 0 {
			genCfg.MaxOutputTokens = int32(req.MaxTokens)
		}
		if req.Temperature != nil {
			genCfg.Temperature = genai.Ptr(float32(*req.Temperature))
		}
		if req.TopP != nil {
			genCfg.TopP = genai.Ptr(float32(*req.TopP))
		}
		if len(req.Stop) > 0 {
			genCfg.StopSequences = req.Stop
		}
		if req.ResponseFormat != nil {
			switch req.ResponseFormat.Type {
			case "json_object":
				genCfg.ResponseMIMEType = "application/json"
			case "json_schema":
				genCfg.ResponseMIMEType = "application/json"
				var schema genai.Schema
				if err := json.Unmarshal(req.ResponseFormat.JSONSchema, &schema); err == nil {
					genCfg.ResponseSchema = &schema
				}
			}
		}
	}

	warnIgnored(&warnings, req)

	wire := geminiWireRequest{
		Contents:          contents,
		SystemInstruction: systemInstruction,
		GenerationConfig:  genCfg,
	}
	applyGeminiTools(&wire, req, &warnings)

	encoded, err := json.Marshal(wire)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindConversion, "encode gemini request", err)
	}
	return encoded, warnings, nil
}

func geminiPartsFromOpenAI(ctx context.Context, raw json.RawMessage, fetch ImageFetcher, warnings *Warnings) ([]*genai.Part, error) {
	parts, err := decodeContentParts(raw)
	if err != nil {
		return nil, err
	}
	var out []*genai.Part
	for _, p := range parts {
		switch p.Type {
		case "text", "":
			if p.Text != "" {
				out = append(out, &genai.Part{Text: p.Text})
			}
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			mime, data, err := decodeImage(ctx, p.ImageURL.URL, fetch)
			if err != nil {
				return nil, err
			}
			raw, decErr := decodeBase64(data)
			if decErr != nil {
				return nil, apierr.Wrap(apierr.KindConversion, "decode image data", decErr)
			}
			out = append(out, &genai.Part{InlineData: &genai.Blob{MIMEType: mime, Data: raw}})
		case "tool_use":
			warnings.add("tool_use content in a user message is dropped")
		}
	}
	return out, nil
}

func applyGeminiTools(wire *geminiWireRequest, req openAIRequest, warnings *Warnings) {
	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema := map[string]any{"type": "object", "properties": map[string]any{}}
			if len(t.Function.Parameters) > 0 {
				_ = json.Unmarshal(t.Function.Parameters, &schema)
			}
			decls = append(decls, map[string]any{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  schema,
			})
		}
		wire.Tools = []map[string]any{{"functionDeclarations": decls}}
	}

	if len(req.ToolChoice) == 0 {
		return
	}
	var s string
	if err := json.Unmarshal(req.ToolChoice, &s); err == nil {
		switch s {
		case "none":
			wire.ToolConfig = map[string]any{"functionCallingConfig": map[string]any{"mode": "NONE"}}
		case "auto":
			wire.ToolConfig = map[string]any{"functionCallingConfig": map[string]any{"mode": "AUTO"}}
		case "required":
			wire.ToolConfig = map[string]any{"functionCallingConfig": map[string]any{"mode": "ANY"}}
		}
		return
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(req.ToolChoice, &obj); err == nil && obj.Function.Name != "" {
		wire.ToolConfig = map[string]any{"functionCallingConfig": map[string]any{
			"mode":                 "ANY",
			"allowedFunctionNames": []string{obj.Function.Name},
		}}
	}
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}
