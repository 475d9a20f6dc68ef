package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Scoring Settlement API",
        "description": "Stage settlement engine for project peer review rewards",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "security": [{"BearerAuth": []}],
    "tags": [
        {"name": "Settlement", "description": "Stage preview, validation, settlement and results"},
        {"name": "Observability", "description": "Health, readiness and metrics"}
    ],
    "paths": {
        "/stages/{id}/settlement/preview": {
            "get": {
                "tags": ["Settlement"],
                "summary": "Preview stage scores",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Stage not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/stages/{id}/settlement/validation": {
            "get": {
                "tags": ["Settlement"],
                "summary": "Run pre-settlement checks",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/stages/{id}/settlement": {
            "get": {
                "tags": ["Settlement"],
                "summary": "Get settled results",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Stage not settled", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Settlement"],
                "summary": "Settle a stage",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": false, "schema": {"$ref": "#/definitions/SettleStageRequest"}}
                ],
                "responses": {
                    "200": {"description": "Settled", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid reward pool or no votes", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Already settled, in progress or wrong status", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "422": {"description": "Validation failed; retry with force", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/stages/{id}/settlement/tasks": {
            "post": {
                "tags": ["Settlement"],
                "summary": "Queue a stage settlement",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": false, "schema": {"$ref": "#/definitions/SettleStageRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Task already running", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/settlement-tasks/{taskId}": {
            "get": {
                "tags": ["Settlement"],
                "summary": "Settlement task status",
                "parameters": [
                    {"name": "taskId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Task not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/projects/{projectId}/settlements": {
            "get": {
                "tags": ["Settlement"],
                "summary": "List settlement history",
                "parameters": [
                    {"name": "projectId", "in": "path", "required": true, "type": "string"},
                    {"name": "stageId", "in": "query", "required": false, "type": "string"},
                    {"name": "settlementType", "in": "query", "required": false, "type": "string"},
                    {"name": "status", "in": "query", "required": false, "type": "string", "enum": ["pending", "active", "reversed"]}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid filter", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/projects/{projectId}/settlements/{settlementId}": {
            "get": {
                "tags": ["Settlement"],
                "summary": "Settlement details",
                "parameters": [
                    {"name": "projectId", "in": "path", "required": true, "type": "string"},
                    {"name": "settlementId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Settlement not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/projects/{projectId}/settlements/{settlementId}/transactions": {
            "get": {
                "tags": ["Settlement"],
                "summary": "Settlement transactions",
                "parameters": [
                    {"name": "projectId", "in": "path", "required": true, "type": "string"},
                    {"name": "settlementId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Settlement not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "SettleStageRequest": {
            "type": "object",
            "properties": {
                "force": {"type": "boolean"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"},
                "details": {"type": "object"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
