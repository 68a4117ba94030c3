package slam

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	goutils "go.viam.com/utils"

	"go.viam.com/posegraph/logging"
	"go.viam.com/posegraph/rimage"
)

const (
	leftDir   = "image_0"
	rightDir  = "image_1"
	timesFile = "times.txt"
)

// StereoPair is one rectified left/right image pair of a sequence.
type StereoPair struct {
	Index     int
	Timestamp float64
	Left      *image.Gray
	Right     *image.Gray
}

type pairResult struct {
	pair StereoPair
	err  error
}

// SequenceReader reads a KITTI style stereo sequence, dir/image_0/%06d.png and
// dir/image_1/%06d.png with optional timestamps in dir/times.txt, loading the next pair in the
// background while the current one is processed.
type SequenceReader struct {
	dir    string
	start  int
	length int
	times  []float64
	logger logging.Logger

	results                 chan pairResult
	cancel                  context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// NewSequenceReader starts reading length pairs beginning at index start. A length of zero reads
// every pair found in the left image directory from start on.
func NewSequenceReader(ctx context.Context, dir string, start, length int, logger logging.Logger) (*SequenceReader, error) {
	if start < 0 || length < 0 {
		return nil, errors.Errorf("invalid sequence range start=%d length=%d", start, length)
	}
	if length == 0 {
		n, err := countImages(filepath.Join(dir, leftDir))
		if err != nil {
			return nil, err
		}
		length = max(n-start, 0)
	}
	if length == 0 {
		return nil, errors.Errorf("no images to read in %q", filepath.Join(dir, leftDir))
	}
	times, err := readTimes(filepath.Join(dir, timesFile))
	if err != nil {
		return nil, err
	}
	if times == nil {
		logger.Debugw("no timestamps found, using frame indices", "dir", dir)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	r := &SequenceReader{
		dir:     dir,
		start:   start,
		length:  length,
		times:   times,
		logger:  logger,
		results: make(chan pairResult, 1),
		cancel:  cancel,
	}
	r.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer r.activeBackgroundWorkers.Done()
		r.prefetch(cancelCtx)
	})
	return r, nil
}

// Len returns the number of pairs the reader will produce.
func (r *SequenceReader) Len() int {
	return r.length
}

func (r *SequenceReader) prefetch(ctx context.Context) {
	defer close(r.results)
	for i := 0; i < r.length; i++ {
		pair, err := r.load(r.start + i)
		select {
		case r.results <- pairResult{pair: pair, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (r *SequenceReader) load(index int) (StereoPair, error) {
	name := fmt.Sprintf("%06d.png", index)
	left, err := rimage.LoadGray(filepath.Join(r.dir, leftDir, name))
	if err != nil {
		return StereoPair{}, errors.Wrapf(err, "loading left image %d", index)
	}
	right, err := rimage.LoadGray(filepath.Join(r.dir, rightDir, name))
	if err != nil {
		return StereoPair{}, errors.Wrapf(err, "loading right image %d", index)
	}
	if !rimage.SameImgSize(left, right) {
		return StereoPair{}, errors.Errorf("stereo pair %d has different image sizes", index)
	}
	ts := float64(index)
	if index < len(r.times) {
		ts = r.times[index]
	}
	return StereoPair{Index: index, Timestamp: ts, Left: left, Right: right}, nil
}

// Next returns the next stereo pair, or io.EOF once the sequence is exhausted.
func (r *SequenceReader) Next(ctx context.Context) (StereoPair, error) {
	select {
	case <-ctx.Done():
		return StereoPair{}, ctx.Err()
	case res, ok := <-r.results:
		if !ok {
			return StereoPair{}, io.EOF
		}
		return res.pair, res.err
	}
}

// Close stops the background reader.
func (r *SequenceReader) Close() error {
	r.cancel()
	r.activeBackgroundWorkers.Wait()
	return nil
}

func countImages(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrap(err, "counting sequence images")
	}
	return lo.CountBy(entries, func(e os.DirEntry) bool {
		return !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".png")
	}), nil
}

// readTimes parses one timestamp per line. A missing file yields nil.
func readTimes(path string) ([]float64, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)

	var times []float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ts, err := strconv.ParseFloat(strings.Fields(line)[0], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
		times = append(times, ts)
	}
	return times, scanner.Err()
}
