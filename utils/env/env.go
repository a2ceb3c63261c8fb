package env

import (
	"log"
	"os"
	"strconv"
	"strings"
)

var logFatalf = log.Fatalf

func OptionalStringVariable(name string, defaultValue string) string {
	if !HasEnv(name) {
		return defaultValue
	}
	return os.Getenv(name)
}

func OptionalIntVariable(name string, defaultValue int) int {
	if !HasEnv(name) {
		return defaultValue
	}
	value := os.Getenv(name)
	intValue, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid int.", name)
	}
	return intValue
}

// SecretVariable returns a credential such as an API key. Surrounding
// whitespace, often left by secret managers, is dropped; a blank value
// counts as unset.
func SecretVariable(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	value := strings.TrimSpace(os.Getenv(name))
	return value, value != ""
}

func HasEnv(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}
