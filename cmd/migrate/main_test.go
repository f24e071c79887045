package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitStatements(t *testing.T) {
	sql := "CREATE INDEX a ON t (x);\n-- comment only;\nINSERT INTO t VALUES ('a;b');\nSELECT 1"
	stmts := splitStatements(sql)
	assert.Equal(t, []string{
		"CREATE INDEX a ON t (x);",
		"INSERT INTO t VALUES ('a;b');",
		"SELECT 1",
	}, stmts)
}
