package core

import (
	"encoding/json"
	"fmt"
	"sync"

	"gobus/tinycompress"
)

// DictionaryVersion identifies the command set served over the link.
const DictionaryVersion = "gobus-0.1.0"

// DictionaryData is the JSON document a host retrieves with identify to
// learn command and response ids.
type DictionaryData struct {
	Version      string                    `json:"version"`
	Config       map[string]string         `json:"config"`
	Commands     map[string]int            `json:"commands"`
	Responses    map[string]int            `json:"responses"`
	Enumerations map[string]map[string]int `json:"enumerations,omitempty"`
}

// Dictionary serializes a command registry plus constants and
// enumerations. Hosts receive it zlib-wrapped; both forms are cached.
type Dictionary struct {
	mu           sync.Mutex
	commands     *CommandRegistry
	constants    map[string]string
	enumerations map[string]map[string]int
	cached       []byte
	compressed   []byte
}

// NewDictionary returns a dictionary describing commands.
func NewDictionary(commands *CommandRegistry) *Dictionary {
	return &Dictionary{
		commands:     commands,
		constants:    make(map[string]string),
		enumerations: make(map[string]map[string]int),
	}
}

// AddConstant publishes a named constant.
func (d *Dictionary) AddConstant(name string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.constants[name] = fmt.Sprint(value)
	d.cached, d.compressed = nil, nil
}

// AddEnumeration publishes names for the values of an argument, e.g. bus
// names for bus=%c.
func (d *Dictionary) AddEnumeration(name string, values map[string]int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make(map[string]int, len(values))
	for k, v := range values {
		cp[k] = v
	}
	d.enumerations[name] = cp
	d.cached, d.compressed = nil, nil
}

// Generate returns the dictionary as JSON.
func (d *Dictionary) Generate() []byte {
	commands, responses := d.commands.CommandsAndResponses()

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generateLocked(commands, responses)
}

func (d *Dictionary) generateLocked(commands, responses map[string]int) []byte {
	if d.cached != nil {
		return d.cached
	}
	data := DictionaryData{
		Version:      DictionaryVersion,
		Config:       d.constants,
		Commands:     commands,
		Responses:    responses,
		Enumerations: d.enumerations,
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		// maps of strings and ints always encode
		panic(err)
	}
	d.cached = encoded
	return encoded
}

// Encoded returns the JSON dictionary as a zlib stream, the form served
// by identify.
func (d *Dictionary) Encoded() []byte {
	commands, responses := d.commands.CommandsAndResponses()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.compressed == nil {
		d.compressed = tinycompress.Compress(d.generateLocked(commands, responses))
	}
	return d.compressed
}

// Chunk returns up to count bytes of the encoded dictionary from offset.
func (d *Dictionary) Chunk(offset uint32, count uint32) []byte {
	data := d.Encoded()
	if int(offset) >= len(data) {
		return nil
	}
	end := int(offset) + int(count)
	if end > len(data) {
		end = len(data)
	}
	return data[offset:end]
}
