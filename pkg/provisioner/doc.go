// Package provisioner turns manifests into running worker instances by
// pairing bootstrap-script generation with a named provider backend.
package provisioner
