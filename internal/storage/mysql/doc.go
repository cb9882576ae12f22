// Package mysql provides the MySQL-backed persistence layer. The transaction
// flow store and the authentication store share one connection helper and one
// embedded migration runner.
package mysql
