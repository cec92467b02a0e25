package index

import (
	"container/heap"
	"encoding/binary"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/antonellof/docstore/pkg/btree"
	"github.com/antonellof/docstore/pkg/dberr"
	"github.com/antonellof/docstore/pkg/storage"
)

// HNSWConfig tunes graph construction and search, matching the
// teacher's HNSWConfig fields and defaults.
type HNSWConfig struct {
	M              int
	MaxM           int
	MaxM0          int
	EfConstruction int
	EfSearch       int
	ML             float64
	Seed           int64
}

// DefaultHNSWConfig returns the teacher's tuning defaults.
func DefaultHNSWConfig() *HNSWConfig {
	return &HNSWConfig{
		M:              16,
		MaxM:           16,
		MaxM0:          32,
		EfConstruction: 200,
		EfSearch:       50,
		ML:             1.0 / math.Log(2.0),
		Seed:           1,
	}
}

// Candidate is one Search result.
type Candidate struct {
	ID    string
	Score float32
}

// node is the in-memory decoded form of one PageTypeVector page:
// {id_len:2, id, layer:2, dims:4, vector[dims]float32,
// layer_count:2, {conn_count:2, conn_count*page_id:4}*layer_count}.
type node struct {
	pageID      uint32
	id          string
	vector      []float32
	layer       int
	connections map[int][]uint32 // layer -> neighbor page IDs
}

func encodeNode(n *node) []byte {
	size := 2 + len(n.id) + 2 + 4 + len(n.vector)*4 + 2
	for l := 0; l <= n.layer; l++ {
		size += 2 + len(n.connections[l])*4
	}
	buf := make([]byte, size)
	pos := 0
	putU16(buf[pos:], uint16(len(n.id)))
	pos += 2
	copy(buf[pos:], n.id)
	pos += len(n.id)
	putU16(buf[pos:], uint16(n.layer))
	pos += 2
	putU32(buf[pos:], uint32(len(n.vector)))
	pos += 4
	for _, f := range n.vector {
		putU32(buf[pos:], math.Float32bits(f))
		pos += 4
	}
	putU16(buf[pos:], uint16(n.layer+1))
	pos += 2
	for l := 0; l <= n.layer; l++ {
		conns := n.connections[l]
		putU16(buf[pos:], uint16(len(conns)))
		pos += 2
		for _, pid := range conns {
			putU32(buf[pos:], pid)
			pos += 4
		}
	}
	return buf
}

func decodeNode(buf []byte, pageID uint32) (*node, error) {
	if len(buf) < 2 {
		return nil, dberr.Wrap(dberr.ErrCorruption, "vector node page too short")
	}
	pos := 0
	idLen := int(getU16(buf[pos:]))
	pos += 2
	id := string(buf[pos : pos+idLen])
	pos += idLen
	layer := int(getU16(buf[pos:]))
	pos += 2
	dims := int(getU32(buf[pos:]))
	pos += 4
	vector := make([]float32, dims)
	for i := 0; i < dims; i++ {
		vector[i] = math.Float32frombits(getU32(buf[pos:]))
		pos += 4
	}
	layerCount := int(getU16(buf[pos:]))
	pos += 2
	connections := make(map[int][]uint32, layerCount)
	for l := 0; l < layerCount; l++ {
		n := int(getU16(buf[pos:]))
		pos += 2
		conns := make([]uint32, n)
		for i := 0; i < n; i++ {
			conns[i] = getU32(buf[pos:])
			pos += 4
		}
		connections[l] = conns
	}
	return &node{pageID: pageID, id: id, vector: vector, layer: layer, connections: connections}, nil
}

func putU16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func getU16(b []byte) uint16    { return uint16(b[0]) | uint16(b[1])<<8 }
func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// registryEntrySize overhead (excluding the id bytes themselves):
// {id_len:2, node_page_id:4}.
const registryEntryOverhead = 2 + 4

// appendRegistryEntry records id -> nodePageID on the registry chain
// rooted at g.registryRoot, appending a new chain page when the tail is
// full. The registry exists purely so Open can rebuild g.nodeIndex after
// a restart without scanning every vector page (spec.md §9's entry-point
// open question applies to the whole node index, not just the entry
// point: walking a small append-only directory is cheaper than a full
// graph scan).
func (g *Graph) appendRegistryEntry(txID uint64, id string, nodePageID uint32) error {
	entry := make([]byte, registryEntryOverhead+len(id))
	putU16(entry, uint16(len(id)))
	putU32(entry[2+len(id):], nodePageID)
	copy(entry[2:], id)

	pageID := g.registryRoot
	var lastPageID uint32
	for pageID != 0 {
		buf, err := g.engine.ReadPage(pageID, txID)
		if err != nil {
			return err
		}
		h := storage.GetHeader(buf)
		used := int(binary.LittleEndian.Uint16(buf[storage.HeaderSize : storage.HeaderSize+2]))
		if len(buf)-storage.HeaderSize-2-used >= len(entry) {
			copy(buf[storage.HeaderSize+2+used:], entry)
			binary.LittleEndian.PutUint16(buf[storage.HeaderSize:storage.HeaderSize+2], uint16(used+len(entry)))
			return g.engine.WritePage(pageID, txID, buf)
		}
		lastPageID = pageID
		pageID = h.NextPageID
	}

	newID, err := g.engine.AllocatePage()
	if err != nil {
		return err
	}
	buf := make([]byte, g.engine.PageSize())
	storage.PutHeader(buf, storage.PageHeader{PageID: newID, Type: storage.PageTypeVector})
	binary.LittleEndian.PutUint16(buf[storage.HeaderSize:storage.HeaderSize+2], uint16(len(entry)))
	copy(buf[storage.HeaderSize+2:], entry)
	if err := g.engine.WritePage(newID, txID, buf); err != nil {
		return err
	}

	if lastPageID == 0 {
		g.registryRoot = newID
		return nil
	}
	tailBuf, err := g.engine.ReadPage(lastPageID, txID)
	if err != nil {
		return err
	}
	h := storage.GetHeader(tailBuf)
	h.NextPageID = newID
	storage.PutHeader(tailBuf, h)
	return g.engine.WritePage(lastPageID, txID, tailBuf)
}

func (g *Graph) loadRegistry(txID uint64) (map[string]uint32, error) {
	out := make(map[string]uint32)
	pageID := g.registryRoot
	for pageID != 0 {
		buf, err := g.engine.ReadPage(pageID, txID)
		if err != nil {
			return nil, err
		}
		h := storage.GetHeader(buf)
		used := int(binary.LittleEndian.Uint16(buf[storage.HeaderSize : storage.HeaderSize+2]))
		pos := storage.HeaderSize + 2
		end := storage.HeaderSize + 2 + used
		for pos < end {
			idLen := int(getU16(buf[pos:]))
			pos += 2
			id := string(buf[pos : pos+idLen])
			pos += idLen
			nodePageID := getU32(buf[pos:])
			pos += 4
			if nodePageID == 0 {
				delete(out, id)
				continue
			}
			out[id] = nodePageID
		}
		pageID = h.NextPageID
	}
	return out, nil
}

// Graph is a page-backed HNSW approximate nearest-neighbor index,
// generalized from the teacher's in-memory map[string]*HNSWNode graph
// to one whose nodes are PageTypeVector pages read and written through
// the storage engine, so the graph survives a restart without a JSON
// snapshot. Grounded on the teacher's pkg/index/hnsw.go for the
// construction/search algorithms (searchLayer, selectNeighbors,
// addConnection, pruneConnections), adapted to fetch/store nodes by
// page ID instead of by map key.
type Graph struct {
	engine     *storage.Engine
	dimensions int
	metric     DistanceMetric
	calculator DistanceCalculator
	cfg        *HNSWConfig
	rng        *rand.Rand

	mu           sync.RWMutex
	registryRoot uint32
	nodeIndex    map[string]uint32 // id -> node page ID
	cache        map[uint32]*node  // node page ID -> decoded node
	entryPoint   uint32            // node page ID, 0 = empty graph
	maxLayer     int
}

// CreateGraph allocates a fresh, empty graph's registry root page.
func CreateGraph(engine *storage.Engine, txID uint64, dimensions int, metric DistanceMetric, cfg *HNSWConfig) (*Graph, error) {
	if cfg == nil {
		cfg = DefaultHNSWConfig()
	}
	registryRoot, err := engine.AllocatePage()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, engine.PageSize())
	storage.PutHeader(buf, storage.PageHeader{PageID: registryRoot, Type: storage.PageTypeVector})
	if err := engine.WritePage(registryRoot, txID, buf); err != nil {
		return nil, err
	}
	return &Graph{
		engine:     engine,
		dimensions: dimensions,
		metric:     metric,
		calculator: NewDistanceCalculator(metric),
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		registryRoot: registryRoot,
		nodeIndex:    make(map[string]uint32),
		cache:        make(map[uint32]*node),
	}, nil
}

// OpenGraph reattaches to an existing graph, rebuilding nodeIndex from
// the registry chain and restoring entryPoint/maxLayer from the
// persisted location (CollectionMetadata.VectorSource, per the spec.md
// §9 open-question decision to persist rather than rebuild by walking
// the whole graph).
func OpenGraph(engine *storage.Engine, txID uint64, registryRoot uint32, entryPoint btree.DocumentLocation, dimensions int, metric DistanceMetric, cfg *HNSWConfig) (*Graph, error) {
	if cfg == nil {
		cfg = DefaultHNSWConfig()
	}
	g := &Graph{
		engine:       engine,
		dimensions:   dimensions,
		metric:       metric,
		calculator:   NewDistanceCalculator(metric),
		cfg:          cfg,
		rng:          rand.New(rand.NewSource(cfg.Seed)),
		registryRoot: registryRoot,
		cache:        make(map[uint32]*node),
	}
	idx, err := g.loadRegistry(txID)
	if err != nil {
		return nil, err
	}
	g.nodeIndex = idx

	if !entryPoint.IsNone() {
		g.entryPoint = entryPoint.PageID
		n, err := g.getNode(txID, entryPoint.PageID)
		if err != nil {
			return nil, err
		}
		g.maxLayer = n.layer
	}
	return g, nil
}

// RegistryRootPageID returns the chain root the owning collection must
// persist in CollectionMetadata.VectorSource.RootPageID.
func (g *Graph) RegistryRootPageID() uint32 { return g.registryRoot }

// EntryPointLocation returns the persisted entry-point location the
// owning collection must store in
// CollectionMetadata.VectorSource.EntryPointLocation after every mutation.
func (g *Graph) EntryPointLocation() btree.DocumentLocation {
	if g.entryPoint == 0 {
		return btree.NoLocation
	}
	return btree.DocumentLocation{PageID: g.entryPoint}
}

func (g *Graph) getNode(txID uint64, pageID uint32) (*node, error) {
	if cached, ok := g.cache[pageID]; ok {
		return cached, nil
	}
	buf, err := g.engine.ReadPage(pageID, txID)
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(buf[storage.HeaderSize:], pageID)
	if err != nil {
		return nil, err
	}
	g.cache[pageID] = n
	return n, nil
}

func (g *Graph) putNode(txID uint64, n *node) error {
	payload := encodeNode(n)
	if uint32(len(payload)+storage.HeaderSize) > g.engine.PageSize() {
		return dberr.Wrap(dberr.ErrTooLarge, "vector node for %q exceeds one page (dims=%d, connections)", n.id, len(n.vector))
	}
	buf := make([]byte, g.engine.PageSize())
	storage.PutHeader(buf, storage.PageHeader{PageID: n.pageID, Type: storage.PageTypeVector})
	copy(buf[storage.HeaderSize:], payload)
	if err := g.engine.WritePage(n.pageID, txID, buf); err != nil {
		return err
	}
	g.cache[n.pageID] = n
	return nil
}

func (g *Graph) randomLevel() int {
	level := 0
	for g.rng.Float64() < g.cfg.ML && level < 16 {
		level++
	}
	return level
}

type queueItem struct {
	pageID   uint32
	distance float32
}

// minHeap orders queueItems by ascending distance.
type minHeap []*queueItem

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].distance < h[j].distance }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(*queueItem)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// maxHeap orders queueItems by descending distance (used for the
// bounded candidate set w, matching the teacher's negated-distance
// max-heap-via-min-heap trick).
type maxHeap struct{ minHeap }

func (h maxHeap) Less(i, j int) bool { return h.minHeap[i].distance > h.minHeap[j].distance }

// Add inserts id/vector into the graph, returning once every connection
// at every layer has been written back to its page.
func (g *Graph) Add(txID uint64, id string, vector []float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(vector) != g.dimensions {
		return dberr.Wrap(dberr.ErrInvariant, "vector has %d dimensions, want %d", len(vector), g.dimensions)
	}
	if _, exists := g.nodeIndex[id]; exists {
		return dberr.Wrap(dberr.ErrConflict, "vector %q already exists", id)
	}

	layer := g.randomLevel()
	pageID, err := g.engine.AllocatePage()
	if err != nil {
		return err
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	n := &node{pageID: pageID, id: id, vector: vec, layer: layer, connections: make(map[int][]uint32, layer+1)}
	for l := 0; l <= layer; l++ {
		n.connections[l] = nil
	}

	if g.entryPoint == 0 {
		if err := g.putNode(txID, n); err != nil {
			return err
		}
		g.entryPoint = pageID
		g.maxLayer = layer
		g.nodeIndex[id] = pageID
		return g.appendRegistryEntry(txID, id, pageID)
	}

	entry, err := g.getNode(txID, g.entryPoint)
	if err != nil {
		return err
	}
	entryPoints := []*queueItem{{pageID: entry.pageID, distance: g.calculator.Calculate(n.vector, entry.vector)}}

	for l := g.maxLayer; l >= layer+1; l-- {
		entryPoints, err = g.searchLayer(txID, n.vector, entryPoints, 1, l)
		if err != nil {
			return err
		}
	}

	top := layer
	if g.maxLayer < top {
		top = g.maxLayer
	}
	for l := top; l >= 0; l-- {
		candidates, err := g.searchLayer(txID, n.vector, entryPoints, g.cfg.EfConstruction, l)
		if err != nil {
			return err
		}

		maxConn := g.cfg.MaxM
		if l == 0 {
			maxConn = g.cfg.MaxM0
		}
		neighbors := selectNeighbors(candidates, maxConn)

		for _, nb := range neighbors {
			neighborNode, err := g.getNode(txID, nb.pageID)
			if err != nil {
				return err
			}
			n.connections[l] = addConnection(n.connections[l], nb.pageID)
			neighborNode.connections[l] = addConnection(neighborNode.connections[l], n.pageID)
			if len(neighborNode.connections[l]) > maxConn {
				if err := g.pruneConnections(txID, neighborNode, l, maxConn); err != nil {
					return err
				}
			}
			if err := g.putNode(txID, neighborNode); err != nil {
				return err
			}
		}
		entryPoints = neighbors
	}

	if err := g.putNode(txID, n); err != nil {
		return err
	}
	if layer > g.maxLayer {
		g.entryPoint = pageID
		g.maxLayer = layer
	}
	g.nodeIndex[id] = pageID
	return g.appendRegistryEntry(txID, id, pageID)
}

// Delete removes id from the graph, severing every connection that
// pointed at it, then appends a tombstone registry entry (nodePageID 0)
// so a later OpenGraph's loadRegistry drops id instead of rebuilding a
// nodeIndex entry that points at a freed page.
func (g *Graph) Delete(txID uint64, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	pageID, exists := g.nodeIndex[id]
	if !exists {
		return dberr.Wrap(dberr.ErrNotFound, "vector %q not found", id)
	}
	n, err := g.getNode(txID, pageID)
	if err != nil {
		return err
	}

	for layer, conns := range n.connections {
		for _, connPageID := range conns {
			neighbor, err := g.getNode(txID, connPageID)
			if err != nil {
				continue
			}
			neighbor.connections[layer] = removeConnection(neighbor.connections[layer], pageID)
			if err := g.putNode(txID, neighbor); err != nil {
				return err
			}
		}
	}

	delete(g.nodeIndex, id)
	delete(g.cache, pageID)
	if err := g.engine.FreePage(pageID); err != nil {
		return err
	}
	if err := g.appendRegistryEntry(txID, id, 0); err != nil {
		return err
	}

	if g.entryPoint == pageID {
		g.findNewEntryPoint(txID)
	}
	return nil
}

func (g *Graph) findNewEntryPoint(txID uint64) {
	bestLayer := -1
	var bestPageID uint32
	for _, candidatePageID := range g.nodeIndex {
		n, err := g.getNode(txID, candidatePageID)
		if err != nil {
			continue
		}
		if n.layer > bestLayer {
			bestLayer = n.layer
			bestPageID = candidatePageID
		}
	}
	g.entryPoint = bestPageID
	if bestLayer < 0 {
		bestLayer = 0
	}
	g.maxLayer = bestLayer
}

// Search returns up to k nearest neighbors of query, using ef candidates
// at layer 0 (falling back to the configured EfSearch when ef <= 0).
func (g *Graph) Search(txID uint64, query []float32, k int, ef int) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(query) != g.dimensions {
		return nil, dberr.Wrap(dberr.ErrInvariant, "query has %d dimensions, want %d", len(query), g.dimensions)
	}
	if k <= 0 {
		return nil, dberr.Wrap(dberr.ErrInvariant, "k must be positive")
	}
	if g.entryPoint == 0 {
		return nil, nil
	}
	if ef <= 0 {
		ef = g.cfg.EfSearch
	}

	entry, err := g.getNode(txID, g.entryPoint)
	if err != nil {
		return nil, err
	}
	entryPoints := []*queueItem{{pageID: entry.pageID, distance: g.calculator.Calculate(query, entry.vector)}}

	for l := g.maxLayer; l >= 1; l-- {
		entryPoints, err = g.searchLayer(txID, query, entryPoints, 1, l)
		if err != nil {
			return nil, err
		}
	}

	candidates, err := g.searchLayer(txID, query, entryPoints, ef, 0)
	if err != nil {
		return nil, err
	}

	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]Candidate, 0, k)
	for i := 0; i < k; i++ {
		n, err := g.getNode(txID, candidates[i].pageID)
		if err != nil {
			return nil, err
		}
		out = append(out, Candidate{ID: n.id, Score: candidates[i].distance})
	}
	return out, nil
}

// searchLayer is the teacher's greedy beam search, adapted to fetch
// neighbor vectors by page ID through g.getNode instead of a map read.
func (g *Graph) searchLayer(txID uint64, query []float32, entryPoints []*queueItem, ef int, layer int) ([]*queueItem, error) {
	visited := make(map[uint32]bool, len(entryPoints))
	candidates := &minHeap{}
	w := &maxHeap{}

	for _, ep := range entryPoints {
		heap.Push(candidates, &queueItem{pageID: ep.pageID, distance: ep.distance})
		heap.Push(w, &queueItem{pageID: ep.pageID, distance: ep.distance})
		visited[ep.pageID] = true
	}

	for candidates.Len() > 0 {
		current := heap.Pop(candidates).(*queueItem)
		if w.Len() > 0 && current.distance > w.minHeap[0].distance {
			break
		}

		n, err := g.getNode(txID, current.pageID)
		if err != nil {
			continue
		}
		for _, neighborPageID := range n.connections[layer] {
			if visited[neighborPageID] {
				continue
			}
			visited[neighborPageID] = true

			neighbor, err := g.getNode(txID, neighborPageID)
			if err != nil {
				continue
			}
			distance := g.calculator.Calculate(query, neighbor.vector)
			if w.Len() < ef || distance < w.minHeap[0].distance {
				heap.Push(candidates, &queueItem{pageID: neighborPageID, distance: distance})
				heap.Push(w, &queueItem{pageID: neighborPageID, distance: distance})
				if w.Len() > ef {
					heap.Pop(w)
				}
			}
		}
	}

	result := make([]*queueItem, w.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(w).(*queueItem)
	}
	return result, nil
}

func selectNeighbors(candidates []*queueItem, m int) []*queueItem {
	if len(candidates) <= m {
		return candidates
	}
	return candidates[:m]
}

func addConnection(conns []uint32, pageID uint32) []uint32 {
	for _, existing := range conns {
		if existing == pageID {
			return conns
		}
	}
	return append(conns, pageID)
}

func removeConnection(conns []uint32, pageID uint32) []uint32 {
	for i, existing := range conns {
		if existing == pageID {
			conns[i] = conns[len(conns)-1]
			return conns[:len(conns)-1]
		}
	}
	return conns
}

func (g *Graph) pruneConnections(txID uint64, n *node, layer int, maxConn int) error {
	conns := n.connections[layer]
	if len(conns) <= maxConn {
		return nil
	}
	scored := make([]*queueItem, 0, len(conns))
	for _, pid := range conns {
		neighbor, err := g.getNode(txID, pid)
		if err != nil {
			continue
		}
		scored = append(scored, &queueItem{pageID: pid, distance: g.calculator.Calculate(n.vector, neighbor.vector)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].distance < scored[j].distance })

	kept := make([]uint32, 0, maxConn)
	for i := 0; i < maxConn && i < len(scored); i++ {
		kept = append(kept, scored[i].pageID)
	}
	n.connections[layer] = kept
	return nil
}

// Size returns the number of vectors currently in the graph.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodeIndex)
}
