// Package cms defines the contracts between the site and the content
// management system: published documents, their typed properties, media
// records and the stores that resolve them.
//
// Two stores are provided. S3Store reads the JSON documents the CMS exports
// to a bucket; DirStore reads the same documents from a local or in-memory
// filesystem.
package cms
