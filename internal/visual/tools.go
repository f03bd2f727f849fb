// internal/visual/tools.go
package visual

import "google.golang.org/genai"

// Tool names the vision oracle may call. Coordinates are normalized to a
// 0-1000 grid over the screenshot; the loop denormalizes against the live
// viewport before dispatching.
const (
	toolClickAt         = "click_at"
	toolTypeTextAt      = "type_text_at"
	toolScrollDocument  = "scroll_document"
	toolScrollAt        = "scroll_at"
	toolNavigate        = "navigate"
	toolGoBack          = "go_back"
	toolGoForward       = "go_forward"
	toolKeyCombination  = "key_combination"
	toolWait           = "wait"
	toolRequestConfirm = "request_confirmation"
)

func coordinateProps() map[string]*genai.Schema {
	return map[string]*genai.Schema{
		"x": {Type: genai.TypeInteger, Description: "Horizontal position, 0-1000 normalized over the screenshot width."},
		"y": {Type: genai.TypeInteger, Description: "Vertical position, 0-1000 normalized over the screenshot height."},
	}
}

// browserTools declares the function surface exposed to the model.
func browserTools() []*genai.Tool {
	clickProps := coordinateProps()

	typeProps := coordinateProps()
	typeProps["text"] = &genai.Schema{Type: genai.TypeString, Description: "Text to type after clicking the position."}
	typeProps["press_enter"] = &genai.Schema{Type: genai.TypeBoolean, Description: "Press Enter after typing."}

	scrollAtProps := coordinateProps()
	scrollAtProps["direction"] = &genai.Schema{Type: genai.TypeString, Description: "'up' or 'down'."}
	scrollAtProps["amount"] = &genai.Schema{Type: genai.TypeInteger, Description: "Scroll distance in pixels, default 500."}

	decls := []*genai.FunctionDeclaration{
		{
			Name:        toolClickAt,
			Description: "Click at a normalized position on the page.",
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: clickProps,
				Required:   []string{"x", "y"},
			},
		},
		{
			Name:        toolTypeTextAt,
			Description: "Click a normalized position and type text into it.",
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: typeProps,
				Required:   []string{"x", "y", "text"},
			},
		},
		{
			Name:        toolScrollDocument,
			Description: "Scroll the whole document up or down.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"direction": {Type: genai.TypeString, Description: "'up' or 'down'."},
					"amount":    {Type: genai.TypeInteger, Description: "Scroll distance in pixels, default 500."},
				},
				Required: []string{"direction"},
			},
		},
		{
			Name:        toolScrollAt,
			Description: "Scroll inside the element at a normalized position (for inner scroll panes).",
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: scrollAtProps,
				Required:   []string{"x", "y", "direction"},
			},
		},
		{
			Name:        toolNavigate,
			Description: "Open a URL in the current page.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"url": {Type: genai.TypeString, Description: "Absolute URL to open."},
				},
				Required: []string{"url"},
			},
		},
		{Name: toolGoBack, Description: "Go back one entry in the page history."},
		{Name: toolGoForward, Description: "Go forward one entry in the page history."},
		{
			Name:        toolKeyCombination,
			Description: "Press a key combination, e.g. ['Control','a'] or ['Tab'].",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"keys": {
						Type:        genai.TypeArray,
						Items:       &genai.Schema{Type: genai.TypeString},
						Description: "Modifier keys first, then the main key.",
					},
				},
				Required: []string{"keys"},
			},
		},
		{
			Name:        toolWait,
			Description: "Wait for the page to settle.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"seconds": {Type: genai.TypeInteger, Description: "Seconds to wait, default 2, max 10."},
				},
			},
		},
		{
			Name:        toolRequestConfirm,
			Description: "Ask for confirmation before a sensitive action (payments, deletions, submitting personal data).",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"reason": {Type: genai.TypeString, Description: "What needs confirming and why."},
				},
				Required: []string{"reason"},
			},
		},
	}

	return []*genai.Tool{{FunctionDeclarations: decls}}
}
