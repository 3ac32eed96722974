package endpoints

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/docflow/internal/api"
)

// DefaultSwaggerPath is where "swag init" writes the generated OpenAPI document.
const DefaultSwaggerPath = "docs/swagger/swagger.json"

// SwaggerEndpoint serves the generated OpenAPI document.
type SwaggerEndpoint struct {
	// DocPath is the path to the swagger.json file
	DocPath string
}

func (e *SwaggerEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/swagger.json", e.handler
}

func (e *SwaggerEndpoint) RequiresInit() bool { return false }

func (e *SwaggerEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	docPath := e.DocPath
	if docPath == "" {
		docPath = SwaggerDocPath()
	}

	data, err := os.ReadFile(docPath)
	if err != nil {
		writeError(w, http.StatusNotFound, "swagger.json not found (run: go generate ./docs)")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (e *SwaggerEndpoint) Command(getServerURL func() string) *cobra.Command {
	var outputFile string
	cmd := &cobra.Command{
		Use:   "swagger",
		Short: "Fetch the OpenAPI document from the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var doc map[string]any
			if err := client.Get(cmd.Context(), "/swagger.json", &doc); err != nil {
				return err
			}
			if outputFile != "" {
				return api.OutputToFile(doc, outputFile)
			}
			return api.Output(doc)
		},
	}
	cmd.Flags().StringVarP(&outputFile, "file", "f", "", "Write the document to a file (.json or .yaml)")
	return cmd
}

// SwaggerDocPath finds swagger.json next to the executable, falling back
// to the working directory.
func SwaggerDocPath() string {
	if exe, err := os.Executable(); err == nil {
		docPath := filepath.Join(filepath.Dir(exe), DefaultSwaggerPath)
		if _, err := os.Stat(docPath); err == nil {
			return docPath
		}
	}
	return DefaultSwaggerPath
}
