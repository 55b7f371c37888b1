// Package testutils provides helpers shared by the package tests.
//
// Key components:
//   - SetupSQLiteStore: an embedded store in t.TempDir(), no external services
//   - SeedExam and SeedClient: fixture data for that store
//   - MockExamOracle: a testify mock of the exam runtime oracle
//   - SetupTestDatabase: a PostgreSQL store, skipped unless config-test.toml
//     is found in the working directory or one of its parents
//
// Example usage:
//
//	func TestSomething(t *testing.T) {
//		store := testutils.SetupSQLiteStore(t)
//		exam := testutils.SeedExam(t, store, 1, model.ExamTypeVDI)
//		// ...
//	}
package testutils
