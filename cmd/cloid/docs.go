package main

// General API documentation for swaggo. Run `swag init -g cmd/cloid/docs.go` to generate docs.
//
// @title           cloid API
// @version         1.0
// @description     Embedding service and optimized generation on top of a local Ollama runtime.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
