// Package docs provides generated OpenAPI documentation.
//
// docflow API
//
//	@title			docflow API
//	@version		1.0
//	@description	Document processing records, human review coordination, batch workflows and baseline copies.
//	@description	Review and workflow calls identify the caller with the X-Docflow-Actor header.
//
//	@contact.name	API Support
//	@contact.url	https://github.com/jackzampolin/docflow
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@schemes	http https
package docs

//go:generate swag init -g ../cmd/docflow/serve.go -o ./swagger --parseDependency --parseInternal
