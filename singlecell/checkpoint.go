package singlecell

// Checkpoint files let a run resume without recomputing upstream stages.
// The pipeline writes one after UMAP and one after annotation.  The format
// is a zstd-compressed recordio file holding one gob-encoded Dataset
// record, with a version header and the pipeline options in the trailer.

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/pkg/errors"
)

const (
	// <checkpointVersionHeader, checkpointVersion> is stored in the recordio
	// header.
	checkpointVersionHeader = "scversion"
	checkpointVersion       = "SC_V1"
)

// checkpointTrailer is stored in the trailer section of the recordio file.
type checkpointTrailer struct {
	// Opts is the option set the dataset was produced with.
	Opts Opts
}

// WriteCheckpoint serializes the dataset and its options to path.
func WriteCheckpoint(ctx context.Context, path string, d *Dataset, opts Opts) (err error) {
	recordiozstd.Init()
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "checkpoint create %s", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
		Transformers: []string{recordiozstd.Name},
	})
	w.AddHeader(checkpointVersionHeader, checkpointVersion)
	w.AddHeader(recordio.KeyTrailer, true)

	b := bytes.NewBuffer(nil)
	if err = gob.NewEncoder(b).Encode(d); err != nil {
		return errors.Wrap(err, "checkpoint encode dataset")
	}
	w.Append(b.Bytes())

	b = bytes.NewBuffer(nil)
	if err = gob.NewEncoder(b).Encode(checkpointTrailer{Opts: opts}); err != nil {
		return errors.Wrap(err, "checkpoint encode trailer")
	}
	w.SetTrailer(b.Bytes())
	if err = w.Finish(); err != nil {
		return errors.Wrapf(err, "checkpoint finish %s", path)
	}
	return nil
}

// ReadCheckpoint restores a dataset written by WriteCheckpoint.  A version
// mismatch is an error; resuming across format changes is not supported.
func ReadCheckpoint(ctx context.Context, path string) (d *Dataset, opts Opts, err error) {
	recordiozstd.Init()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, Opts{}, errors.Wrapf(err, "checkpoint open %s", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{})

	versionFound := false
	for _, kv := range r.Header() {
		if kv.Key == checkpointVersionHeader {
			if v := kv.Value.(string); v != checkpointVersion {
				return nil, Opts{}, errors.Errorf("checkpoint %s: version %q, want %q", path, v, checkpointVersion)
			}
			versionFound = true
			break
		}
	}
	if !versionFound {
		return nil, Opts{}, errors.Errorf("checkpoint %s: missing %s header", path, checkpointVersionHeader)
	}
	if !r.Scan() {
		if err := r.Err(); err != nil {
			return nil, Opts{}, errors.Wrapf(err, "checkpoint read %s", path)
		}
		return nil, Opts{}, errors.Errorf("checkpoint %s: no dataset record", path)
	}
	d = &Dataset{}
	if err = gob.NewDecoder(bytes.NewReader(r.Get().([]byte))).Decode(d); err != nil {
		return nil, Opts{}, errors.Wrapf(err, "checkpoint decode %s", path)
	}
	trailer := checkpointTrailer{}
	if err = gob.NewDecoder(bytes.NewReader(r.Trailer())).Decode(&trailer); err != nil {
		return nil, Opts{}, errors.Wrapf(err, "checkpoint decode trailer %s", path)
	}
	if err = r.Err(); err != nil {
		return nil, Opts{}, errors.Wrapf(err, "checkpoint scan %s", path)
	}
	return d, trailer.Opts, nil
}
