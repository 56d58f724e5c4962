// Package archive assembles downloaded files into a single zip blob.
//
// # Entries
//
// Each entry is stored under "folder/name", or just "name" when the folder
// is empty. Adding a path that already exists replaces its data and keeps
// its position:
//
//	b := archive.NewZipBuilder()
//	b.Add("docs", "a.pdf", data)
//	b.Add("", "b.txt", other)
//
// # Finalizing
//
// Finalize writes every entry in insertion order and returns the archive as
// a model.Blob with the application/zip content type:
//
//	blob, err := b.Finalize()
package archive
