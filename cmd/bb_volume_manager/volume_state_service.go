package main

import (
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/buildbarn/bb-volume-manager/pkg/volume"
	"github.com/buildbarn/bb-volume-manager/pkg/volume/metadata"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"google.golang.org/grpc/codes"
)

const (
	// maxSliceRangeRows limits how many slice ranges are shown on a
	// partition's page. Heavily fragmented partitions can consist of
	// a large number of extents.
	maxSliceRangeRows = 1000
)

var (
	templateFuncMap = template.FuncMap{
		"abbreviate": func(s string) string {
			if len(s) > 11 {
				return s[:8] + "..."
			}
			return s
		},
		"storage_size": func(sizeBytes uint64) string {
			units := []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}
			size := float64(sizeBytes)
			unit := 0
			for size >= 1024 && unit < len(units)-1 {
				size /= 1024
				unit++
			}
			return fmt.Sprintf("%.4g %s", size, units[unit])
		},
		"partition_size_bytes": func(sliceCount uint32, sliceSizeBytes uint64) uint64 {
			return uint64(sliceCount) * sliceSizeBytes
		},
		"range_size_bytes": func(count, sliceSizeBytes uint64) uint64 {
			return count * sliceSizeBytes
		},
		"allocation_percentage": func(info volume.VolumeInfo) string {
			return fmt.Sprintf("%.1f%%", float64(info.AllocatedPSliceCount)/float64(info.TotalPSliceCount)*100)
		},
		"to_timestamp": func(t time.Time) string {
			return t.Local().Format("15:04:05")
		},
	}

	getVolumeStateTemplate = template.Must(template.New("GetVolumeState").Funcs(templateFuncMap).Parse(`
<!DOCTYPE html>
<html>
  <head>
    <title>Buildbarn Volume Manager</title>
    <style>
      html { font-family: sans-serif; }
      table { border-collapse: collapse; }
      table, td, th { border: 1px solid black; }
      td, th { padding-left: 5px; padding-right: 5px; }
    </style>
  </head>
  <body>
    <h1>Buildbarn Volume Manager</h1>
    <p>Slice size: {{storage_size .VolumeInfo.SliceSizeBytes}}<br/>
    Physical slices in use: {{.VolumeInfo.AllocatedPSliceCount}} / {{.VolumeInfo.TotalPSliceCount}} ({{allocation_percentage .VolumeInfo}})<br/>
    Page generated at {{to_timestamp .Now}}</p>
    <h2>Partitions</h2>
    <table>
      <thead>
        <tr>
          <th>Slot</th>
          <th>Name</th>
          <th>Type GUID</th>
          <th>Instance GUID</th>
          <th>Slices</th>
          <th>Size</th>
          <th>State</th>
          <th>Actions</th>
        </tr>
      </thead>
      {{$sliceSizeBytes := .VolumeInfo.SliceSizeBytes}}
      {{range .Partitions}}
        <tr>
          <td><a href="partition?slot={{.Slot}}">{{.Slot}}</a></td>
          <td>{{.Name}}</td>
          <td>{{abbreviate .TypeGUID.String}}</td>
          <td>{{abbreviate .InstanceGUID.String}}</td>
          <td>{{.SliceCount}}</td>
          <td>{{storage_size (partition_size_bytes .SliceCount $sliceSizeBytes)}}</td>
          <td>{{if .Active}}active{{else}}inactive{{end}}</td>
          <td>
            <form action="destroy_partition" method="post">
              <p>
                <input name="slot" type="hidden" value="{{.Slot}}"/>
                <input type="submit" value="Destroy"/>
              </p>
            </form>
          </td>
        </tr>
      {{end}}
    </table>
    <h2>Allocate partition</h2>
    <form action="allocate_partition" method="post">
      <p>
        Name: <input name="name" type="text"/><br/>
        Slices: <input name="slice_count" type="text" value="1"/><br/>
        Type GUID: <input name="type_guid" type="text"/><br/>
        Instance GUID: <input name="instance_guid" type="text"/><br/>
        <label><input name="inactive" type="checkbox" value="true"/> Create in the inactive state</label><br/>
        <input type="submit" value="Allocate"/>
      </p>
    </form>
    <h2>Activate partition</h2>
    <form action="activate_partition" method="post">
      <p>
        Instance GUID to activate: <input name="new_instance_guid" type="text"/><br/>
        Instance GUID to deactivate: <input name="old_instance_guid" type="text"/><br/>
        <input type="submit" value="Activate"/>
      </p>
    </form>
  </body>
</html>
`))
	getPartitionStateTemplate = template.Must(template.New("GetPartitionState").Funcs(templateFuncMap).Parse(`
<!DOCTYPE html>
<html>
  <head>
    <title>Partition {{.Name}}</title>
    <style>
      html { font-family: sans-serif; }
      table { border-collapse: collapse; }
      table, td, th { border: 1px solid black; }
      td, th { padding-left: 5px; padding-right: 5px; }
    </style>
  </head>
  <body>
    <h1>Partition {{.Name}}</h1>
    <p>Slot: {{.Slot}}<br/>
    Type GUID: {{.TypeGUID}}<br/>
    Instance GUID: {{.InstanceGUID}}<br/>
    Slice size: {{storage_size .SliceSizeBytes}}</p>
    <h2>Virtual slice ranges</h2>
    <table>
      <thead>
        <tr>
          <th>First virtual slice</th>
          <th>State</th>
          <th>Slices</th>
          <th>Size</th>
        </tr>
      </thead>
      {{$sliceSizeBytes := .SliceSizeBytes}}
      {{range .SliceRanges}}
        <tr>
          <td>{{.VSliceStart}}</td>
          <td>{{if .Allocated}}allocated{{else}}free{{end}}</td>
          <td>{{.Count}}</td>
          <td>{{storage_size (range_size_bytes .Count $sliceSizeBytes)}}</td>
        </tr>
      {{end}}
      {{if .Truncated}}
        <tr>
          <td colspan="4">More ranges follow</td>
        </tr>
      {{end}}
    </table>
    <h2>Extend partition</h2>
    <form action="extend_partition" method="post">
      <p>
        <input name="slot" type="hidden" value="{{.Slot}}"/>
        First virtual slice: <input name="vslice_start" type="text"/><br/>
        Slices: <input name="count" type="text" value="1"/><br/>
        <input type="submit" value="Extend"/>
      </p>
    </form>
    <h2>Shrink partition</h2>
    <form action="shrink_partition" method="post">
      <p>
        <input name="slot" type="hidden" value="{{.Slot}}"/>
        First virtual slice: <input name="vslice_start" type="text"/><br/>
        Slices: <input name="count" type="text" value="1"/><br/>
        <input type="submit" value="Shrink"/>
      </p>
    </form>
    <p><a href="/">Back to the volume</a></p>
  </body>
</html>
`))
)

type volumeStateService struct {
	volumeManager *volume.VolumeManager
	clock         clock.Clock
}

func newVolumeStateService(volumeManager *volume.VolumeManager, clock clock.Clock, router *mux.Router) *volumeStateService {
	s := &volumeStateService{
		volumeManager: volumeManager,
		clock:         clock,
	}
	router.HandleFunc("/", s.handleGetVolumeState)
	router.HandleFunc("/partition", s.handleGetPartitionState)
	router.HandleFunc("/allocate_partition", s.handleAllocatePartition)
	router.HandleFunc("/extend_partition", s.handleExtendPartition)
	router.HandleFunc("/shrink_partition", s.handleShrinkPartition)
	router.HandleFunc("/destroy_partition", s.handleDestroyPartition)
	router.HandleFunc("/activate_partition", s.handleActivatePartition)
	return s
}

func (s *volumeStateService) handleGetVolumeState(w http.ResponseWriter, req *http.Request) {
	volumeInfo, err := s.volumeManager.Query()
	if err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to query volume").Error(), http.StatusInternalServerError)
		return
	}
	partitions, err := s.volumeManager.GetPartitionInfos()
	if err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to list partitions").Error(), http.StatusInternalServerError)
		return
	}
	if err := getVolumeStateTemplate.Execute(w, struct {
		Now        time.Time
		VolumeInfo volume.VolumeInfo
		Partitions []volume.PartitionInfo
	}{
		Now:        s.clock.Now(),
		VolumeInfo: volumeInfo,
		Partitions: partitions,
	}); err != nil {
		log.Print(err)
	}
}

type sliceRangeRow struct {
	VSliceStart uint64
	Allocated   bool
	Count       uint64
}

func (s *volumeStateService) handleGetPartitionState(w http.ResponseWriter, req *http.Request) {
	slot, err := strconv.ParseUint(req.URL.Query().Get("slot"), 10, 32)
	if err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to parse partition slot").Error(), http.StatusBadRequest)
		return
	}
	partition, err := s.volumeManager.GetPartition(uint32(slot))
	if err != nil {
		http.Error(w, "Partition not found", http.StatusNotFound)
		return
	}
	volumeInfo, err := s.volumeManager.Query()
	if err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to query volume").Error(), http.StatusInternalServerError)
		return
	}

	sliceRanges := make([]sliceRangeRow, 0, maxSliceRangeRows)
	vSlice := uint64(0)
	for vSlice < metadata.MaxVSliceCount && len(sliceRanges) < maxSliceRangeRows {
		ranges, err := partition.QuerySliceRanges([]uint64{vSlice})
		if err != nil {
			http.Error(w, util.StatusWrap(err, "Failed to query slice ranges").Error(), http.StatusInternalServerError)
			return
		}
		sliceRanges = append(sliceRanges, sliceRangeRow{
			VSliceStart: vSlice,
			Allocated:   ranges[0].Allocated,
			Count:       ranges[0].Count,
		})
		vSlice += ranges[0].Count
	}

	if err := getPartitionStateTemplate.Execute(w, struct {
		Slot           uint32
		Name           string
		TypeGUID       uuid.UUID
		InstanceGUID   uuid.UUID
		SliceSizeBytes uint64
		SliceRanges    []sliceRangeRow
		Truncated      bool
	}{
		Slot:           partition.Slot(),
		Name:           partition.Name(),
		TypeGUID:       partition.TypeGUID(),
		InstanceGUID:   partition.InstanceGUID(),
		SliceSizeBytes: volumeInfo.SliceSizeBytes,
		SliceRanges:    sliceRanges,
		Truncated:      vSlice < metadata.MaxVSliceCount,
	}); err != nil {
		log.Print(err)
	}
}

// parseOptionalGUID parses a GUID form field, treating an empty field
// as the nil UUID.
func parseOptionalGUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}

func (s *volumeStateService) getFormPartition(req *http.Request) (*volume.Partition, error) {
	slot, err := strconv.ParseUint(req.FormValue("slot"), 10, 32)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to parse partition slot")
	}
	return s.volumeManager.GetPartition(uint32(slot))
}

func (s *volumeStateService) handleAllocatePartition(w http.ResponseWriter, req *http.Request) {
	req.ParseForm()
	typeGUID, err := parseOptionalGUID(req.FormValue("type_guid"))
	if err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to parse type GUID").Error(), http.StatusBadRequest)
		return
	}
	instanceGUID, err := parseOptionalGUID(req.FormValue("instance_guid"))
	if err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to parse instance GUID").Error(), http.StatusBadRequest)
		return
	}
	sliceCount, err := strconv.ParseUint(req.FormValue("slice_count"), 10, 64)
	if err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to parse slice count").Error(), http.StatusBadRequest)
		return
	}
	var flags uint32
	if req.FormValue("inactive") != "" {
		flags |= metadata.PartitionFlagInactive
	}
	if _, err := s.volumeManager.AllocatePartition(typeGUID, instanceGUID, req.FormValue("name"), sliceCount, flags); err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to allocate partition").Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, req, req.Header.Get("Referer"), http.StatusSeeOther)
}

func (s *volumeStateService) handleExtendPartition(w http.ResponseWriter, req *http.Request) {
	req.ParseForm()
	partition, err := s.getFormPartition(req)
	if err != nil {
		http.Error(w, "Partition not found", http.StatusNotFound)
		return
	}
	vSliceStart, err := strconv.ParseUint(req.FormValue("vslice_start"), 10, 64)
	if err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to parse first virtual slice").Error(), http.StatusBadRequest)
		return
	}
	count, err := strconv.ParseUint(req.FormValue("count"), 10, 64)
	if err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to parse slice count").Error(), http.StatusBadRequest)
		return
	}
	if err := s.volumeManager.Extend(partition, vSliceStart, count); err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to extend partition").Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, req, req.Header.Get("Referer"), http.StatusSeeOther)
}

func (s *volumeStateService) handleShrinkPartition(w http.ResponseWriter, req *http.Request) {
	req.ParseForm()
	partition, err := s.getFormPartition(req)
	if err != nil {
		http.Error(w, "Partition not found", http.StatusNotFound)
		return
	}
	vSliceStart, err := strconv.ParseUint(req.FormValue("vslice_start"), 10, 64)
	if err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to parse first virtual slice").Error(), http.StatusBadRequest)
		return
	}
	count, err := strconv.ParseUint(req.FormValue("count"), 10, 64)
	if err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to parse slice count").Error(), http.StatusBadRequest)
		return
	}
	if err := s.volumeManager.Shrink(partition, vSliceStart, count); err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to shrink partition").Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, req, req.Header.Get("Referer"), http.StatusSeeOther)
}

func (s *volumeStateService) handleDestroyPartition(w http.ResponseWriter, req *http.Request) {
	req.ParseForm()
	partition, err := s.getFormPartition(req)
	if err != nil {
		http.Error(w, "Partition not found", http.StatusNotFound)
		return
	}
	if err := s.volumeManager.Destroy(partition); err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to destroy partition").Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, req, req.Header.Get("Referer"), http.StatusSeeOther)
}

func (s *volumeStateService) handleActivatePartition(w http.ResponseWriter, req *http.Request) {
	req.ParseForm()
	oldInstanceGUID, err := parseOptionalGUID(req.FormValue("old_instance_guid"))
	if err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to parse instance GUID to deactivate").Error(), http.StatusBadRequest)
		return
	}
	newInstanceGUID, err := uuid.Parse(req.FormValue("new_instance_guid"))
	if err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to parse instance GUID to activate").Error(), http.StatusBadRequest)
		return
	}
	if err := s.volumeManager.Activate(oldInstanceGUID, newInstanceGUID); err != nil {
		http.Error(w, util.StatusWrap(err, "Failed to activate partition").Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, req, req.Header.Get("Referer"), http.StatusSeeOther)
}
