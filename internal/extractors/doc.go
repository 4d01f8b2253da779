// Package extractors parses instrument data files into normalized metadata.
//
// Each supported format implements the Extractor interface; the Registry
// picks the right one by magic bytes first and file extension second, so a
// mislabeled file still lands on the correct parser. Extraction degrades
// rather than fails: a damaged file yields partial metadata plus warnings,
// and an unrecognized one yields the unsupported baseline.
package extractors
