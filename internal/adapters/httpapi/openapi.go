package httpapi

import (
	"net/http"

	"github.com/Guilhem-Bonnet/feedwatch/internal/buildinfo"
	"github.com/Guilhem-Bonnet/feedwatch/internal/httpjson"
)

// handleOpenAPI renvoie une description OpenAPI de l'API v1.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	httpjson.Write(w, http.StatusOK, openAPIDocument())
}

func openAPIDocument() map[string]any {
	jsonOK := func(schemaRef string) map[string]any {
		return map[string]any{
			"description": "OK",
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"$ref": schemaRef},
				},
			},
		}
	}
	jsonBody := func(schemaRef string) map[string]any {
		return map[string]any{
			"required": true,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"$ref": schemaRef},
				},
			},
		}
	}
	jsonErr := map[string]any{
		"description": "Error",
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{"$ref": "#/components/schemas/Error"},
			},
		},
	}
	pathParam := func(name string) map[string]any {
		return map[string]any{"name": name, "in": "path", "required": true, "schema": map[string]any{"type": "integer", "minimum": 0}}
	}
	itemParams := []any{pathParam("id"), pathParam("itemID")}
	str := map[string]any{"type": "string"}
	integer := map[string]any{"type": "integer"}
	dateTime := map[string]any{"type": "string", "format": "date-time"}

	schemas := map[string]any{
		"Error": map[string]any{
			"type":       "object",
			"properties": map[string]any{"error": str},
			"required":   []any{"error"},
		},
		"SubscriptionInfo": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":              integer,
				"url":             str,
				"title":           str,
				"description":     str,
				"lastUpdate":      dateTime,
				"intervalSeconds": integer,
				"itemCount":       integer,
				"status":          map[string]any{"type": "string", "enum": []any{"created", "updated", "error"}},
				"statusReason":    str,
				"autoDownload":    map[string]any{"type": "boolean"},
			},
		},
		"SubscriptionList": map[string]any{
			"type":  "array",
			"items": map[string]any{"$ref": "#/components/schemas/SubscriptionInfo"},
		},
		"Item": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":          integer,
				"title":       str,
				"link":        str,
				"description": str,
				"enclosure":   str,
				"status":      map[string]any{"type": "string", "enum": []any{"unread", "read", "downloading", "downloaded"}},
				"torrent":     map[string]any{"$ref": "#/components/schemas/TorrentMetadata"},
			},
		},
		"SubscriptionDetail": map[string]any{
			"allOf": []any{
				map[string]any{"$ref": "#/components/schemas/SubscriptionInfo"},
				map[string]any{
					"type": "object",
					"properties": map[string]any{
						"items": map[string]any{"type": "array", "items": map[string]any{"$ref": "#/components/schemas/Item"}},
					},
				},
			},
		},
		"CreateSubscriptionRequest": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":          str,
				"autoDownload": map[string]any{"type": "boolean"},
			},
			"required": []any{"url"},
		},
		"SubscriptionPatch": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"intervalSeconds": map[string]any{"type": "integer", "minimum": 1},
				"autoDownload":    map[string]any{"type": "boolean"},
			},
		},
		"ItemStatusRequest": map[string]any{
			"type":       "object",
			"properties": map[string]any{"status": map[string]any{"type": "string", "enum": []any{"read", "unread"}}},
			"required":   []any{"status"},
		},
		"TorrentMetadata": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"files": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"filename": str,
							"offset":   integer,
							"length":   integer,
						},
					},
				},
				"fetchedAt": dateTime,
			},
		},
		"InspectRequest": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":   str,
				"bytes": map[string]any{"type": "string", "format": "byte"},
			},
		},
		"Download": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":             str,
				"subscriptionId": integer,
				"itemId":         integer,
				"source":         str,
				"outputPath":     str,
				"state":          map[string]any{"type": "string", "enum": []any{"queued", "running", "completed", "failed", "canceled"}},
				"createdAt":      dateTime,
				"updatedAt":      dateTime,
				"errorCode":      str,
				"error":          str,
			},
		},
		"DownloadList": map[string]any{
			"type":  "array",
			"items": map[string]any{"$ref": "#/components/schemas/Download"},
		},
		"Settings": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"outputPath":             str,
				"trackers":               map[string]any{"type": "array", "items": str},
				"defaultUpdateInterval":  map[string]any{"type": "integer", "description": "Nanoseconds."},
				"maxConcurrentDownloads": map[string]any{"type": "integer", "minimum": 1},
				"maxConcurrentMetadata":  map[string]any{"type": "integer", "minimum": 1},
				"metadataTimeout":        map[string]any{"type": "integer", "description": "Nanoseconds."},
				"diffKey":                map[string]any{"type": "string", "enum": []any{"title", "link"}},
				"retryPolicy":            map[string]any{"type": "string", "enum": []any{"fixed", "exponential"}},
			},
		},
	}

	paths := map[string]any{
		"/api/v1/health":  map[string]any{"get": map[string]any{"responses": map[string]any{"200": map[string]any{"description": "OK"}}}},
		"/api/v1/version": map[string]any{"get": map[string]any{"responses": map[string]any{"200": map[string]any{"description": "OK"}}}},
		"/api/v1/events": map[string]any{"get": map[string]any{
			"description": "Server-Sent Events stream of subscription.* and download.* notifications.",
			"responses":   map[string]any{"200": map[string]any{"description": "text/event-stream"}},
		}},
		"/api/v1/subscriptions": map[string]any{
			"get": map[string]any{"responses": map[string]any{"200": jsonOK("#/components/schemas/SubscriptionList")}},
			"post": map[string]any{
				"requestBody": jsonBody("#/components/schemas/CreateSubscriptionRequest"),
				"responses": map[string]any{
					"201": map[string]any{"description": "Created"},
					"400": jsonErr,
					"502": jsonErr,
				},
			},
		},
		"/api/v1/subscriptions/{id}": map[string]any{
			"parameters": []any{pathParam("id")},
			"get":        map[string]any{"responses": map[string]any{"200": jsonOK("#/components/schemas/SubscriptionDetail"), "404": jsonErr}},
			"patch": map[string]any{
				"requestBody": jsonBody("#/components/schemas/SubscriptionPatch"),
				"responses":   map[string]any{"200": jsonOK("#/components/schemas/SubscriptionInfo"), "400": jsonErr, "404": jsonErr},
			},
			"delete": map[string]any{"responses": map[string]any{"204": map[string]any{"description": "Removed"}, "404": jsonErr}},
		},
		"/api/v1/subscriptions/{id}/items/{itemID}/status": map[string]any{
			"parameters": itemParams,
			"put": map[string]any{
				"requestBody": jsonBody("#/components/schemas/ItemStatusRequest"),
				"responses":   map[string]any{"200": jsonOK("#/components/schemas/Item"), "400": jsonErr, "404": jsonErr, "409": jsonErr},
			},
		},
		"/api/v1/subscriptions/{id}/items/{itemID}/metadata": map[string]any{
			"parameters": itemParams,
			"post":       map[string]any{"responses": map[string]any{"200": jsonOK("#/components/schemas/TorrentMetadata"), "404": jsonErr, "503": jsonErr}},
		},
		"/api/v1/subscriptions/{id}/items/{itemID}/download": map[string]any{
			"parameters": itemParams,
			"post":       map[string]any{"responses": map[string]any{"202": jsonOK("#/components/schemas/Download"), "404": jsonErr, "409": jsonErr}},
		},
		"/api/v1/database/save": map[string]any{
			"post": map[string]any{"responses": map[string]any{"200": map[string]any{"description": "Saved"}, "500": jsonErr}},
		},
		"/api/v1/torrents/metadata": map[string]any{
			"post": map[string]any{
				"requestBody": jsonBody("#/components/schemas/InspectRequest"),
				"responses":   map[string]any{"200": jsonOK("#/components/schemas/TorrentMetadata"), "400": jsonErr, "503": jsonErr},
			},
		},
		"/api/v1/downloads": map[string]any{
			"get": map[string]any{"responses": map[string]any{"200": jsonOK("#/components/schemas/DownloadList")}},
		},
		"/api/v1/downloads/{id}": map[string]any{
			"get": map[string]any{"responses": map[string]any{"200": jsonOK("#/components/schemas/Download"), "404": jsonErr}},
		},
		"/api/v1/downloads/{id}/cancel": map[string]any{
			"post": map[string]any{"responses": map[string]any{"200": jsonOK("#/components/schemas/Download"), "404": jsonErr}},
		},
		"/api/v1/settings": map[string]any{
			"get": map[string]any{"responses": map[string]any{"200": jsonOK("#/components/schemas/Settings")}},
			"put": map[string]any{
				"requestBody": jsonBody("#/components/schemas/Settings"),
				"responses":   map[string]any{"200": jsonOK("#/components/schemas/Settings"), "400": jsonErr},
			},
		},
	}

	return map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "feedwatch API",
			"version": buildinfo.Version,
		},
		"components": map[string]any{"schemas": schemas},
		"paths":      paths,
	}
}
