// Package dataset indexes the on-disk image folders of the card-back
// classifier into labelled sample lists.
package dataset
