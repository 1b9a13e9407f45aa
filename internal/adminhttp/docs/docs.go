// Package docs registers the admin API Swagger document.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/v1/agents": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["agents"],
                "summary": "List registered build agents",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"type": "array", "items": {"$ref": "#/definitions/adminhttp.AgentResponse"}}
                    }
                }
            }
        },
        "/api/v1/jobs/queued": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "List queued jobs in dequeue order",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"type": "array", "items": {"$ref": "#/definitions/adminhttp.JobResponse"}}
                    }
                }
            }
        },
        "/api/v1/jobs/running": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "List jobs being processed by agents",
                "parameters": [
                    {"type": "integer", "description": "Course filter", "name": "courseId", "in": "query"}
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"type": "array", "items": {"$ref": "#/definitions/adminhttp.JobResponse"}}
                    }
                }
            }
        },
        "/api/v1/jobs/{id}/log": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["text/plain"],
                "tags": ["jobs"],
                "summary": "Get the full build log of a completed job",
                "parameters": [
                    {"type": "string", "description": "Job ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "string"}},
                    "404": {"description": "Not Found", "schema": {"type": "string"}}
                }
            }
        },
        "/api/v1/jobs/{id}/result": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Get the result of a completed job",
                "parameters": [
                    {"type": "string", "description": "Job ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/adminhttp.ResultResponse"}},
                    "404": {"description": "Not Found", "schema": {"type": "string"}}
                }
            }
        },
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Report that the server is up",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/adminhttp.healthResponse"}}
                }
            }
        }
    },
    "definitions": {
        "adminhttp.AgentResponse": {
            "type": "object",
            "properties": {
                "address": {"type": "string"},
                "lastHeartbeat": {"type": "string"},
                "name": {"type": "string"},
                "runningJobIds": {"type": "array", "items": {"type": "string"}},
                "totalCapacity": {"type": "integer"},
                "usedCapacity": {"type": "integer"}
            }
        },
        "adminhttp.healthResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string"}
            }
        },
        "adminhttp.JobResponse": {
            "type": "object",
            "properties": {
                "agentName": {"type": "string"},
                "commitHash": {"type": "string"},
                "courseId": {"type": "integer"},
                "enqueuedAt": {"type": "string"},
                "exerciseId": {"type": "integer"},
                "id": {"type": "string"},
                "image": {"type": "string"},
                "participationId": {"type": "integer"},
                "priority": {"type": "integer"},
                "projectKey": {"type": "string"},
                "repositoryKind": {"type": "string"},
                "repositorySlug": {"type": "string"},
                "retryCount": {"type": "integer"},
                "startedAt": {"type": "string"},
                "status": {"type": "string"}
            }
        },
        "adminhttp.ResultResponse": {
            "type": "object",
            "properties": {
                "commitHash": {"type": "string"},
                "completedAt": {"type": "string"},
                "deliveredAt": {"type": "string"},
                "diagnostic": {"type": "string"},
                "durationMs": {"type": "integer"},
                "failed": {"type": "integer"},
                "hasLog": {"type": "boolean"},
                "jobId": {"type": "string"},
                "logExcerpt": {"type": "string"},
                "parseError": {"type": "boolean"},
                "passed": {"type": "integer"},
                "success": {"type": "boolean"},
                "tests": {"type": "array", "items": {"$ref": "#/definitions/buildqueue.TestCase"}}
            }
        },
        "buildqueue.TestCase": {
            "type": "object",
            "properties": {
                "className": {"type": "string"},
                "duration": {"type": "integer"},
                "message": {"type": "string"},
                "name": {"type": "string"},
                "passed": {"type": "boolean"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "LocalCI admin API",
	Description:      "Read-only view of build jobs, agents and results.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
