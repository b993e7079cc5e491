// Package extract decides which files are indexable and turns them
// into text for chunking.
//
// File eligibility is a closed extension list split into three
// categories: document formats (.pdf, .docx, ...), plain text formats
// (.txt, .md, ...), and source code. Supported and Classify answer
// eligibility questions; SkipDir prunes directories like .git and
// node_modules during upload walks.
//
// A Registry maps extensions to Extractor implementations. Text and
// code extensions are served by PlainText out of the box. Document
// extensions ship with no binding: hosts that index PDFs or Office
// files register their own extractors, and until they do, extracting
// such a file reports ErrNoExtractor, which the ingestion pipeline
// records per file without aborting the run.
//
// Usage:
//
//	registry := extract.NewRegistry()
//	registry.Register(".pdf", myPDFExtractor)
//
//	text, err := registry.Extract(ctx, "/scratch/uploads/report.pdf")
package extract
